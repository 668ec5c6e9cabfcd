package main

import (
	"context"
	"time"

	"github.com/c360/src/internal/dispatcher"
	coreerrors "github.com/c360/src/internal/errors"
	"github.com/c360/src/internal/lifecycle"
	"github.com/c360/src/internal/retry"
)

// HeartbeatMessage is broadcast on an interval by startHeartbeatDemo and
// received by every other runtime instance subscribed to it.
type HeartbeatMessage struct {
	ServiceUID string    `json:"service_uid"`
	Timestamp  time.Time `json:"timestamp"`
}

// ControlMessage is sent point-to-point at a specific service uid to flip
// its hot-path publisher between traced and performance mode.
type ControlMessage struct {
	PerformanceMode bool `json:"performance_mode"`
}

// demoRegistrations returns the registerFn passed to Controller.Start: it
// installs and subscribes the handler set that exercises the dispatcher
// and publisher end to end. Skipped entirely when SKIP_PERFORMANCE_DEMO is
// set.
func demoRegistrations(c *lifecycle.Controller) func() error {
	return func() error {
		if err := dispatcher.RegisterHandler(c.Dispatcher, dispatcher.JSONCodec{}, "runtime.heartbeat", dispatcher.Broadcast, func(_ context.Context, msg HeartbeatMessage) error {
			c.Logger.Debug("heartbeat received", "from", msg.ServiceUID, "at", msg.Timestamp)
			return nil
		}); err != nil {
			return err
		}
		if err := c.Dispatcher.Subscribe("runtime.heartbeat", dispatcher.Broadcast); err != nil {
			return err
		}

		if err := dispatcher.RegisterHandler(c.Dispatcher, dispatcher.JSONCodec{}, "runtime.control", dispatcher.PointToPoint, func(_ context.Context, msg ControlMessage) error {
			c.EnablePerformanceMode(msg.PerformanceMode)
			c.Logger.Info("performance mode changed via control message", "performance_mode", msg.PerformanceMode)
			return nil
		}); err != nil {
			return err
		}
		return c.Dispatcher.Subscribe("runtime.control", dispatcher.PointToPoint)
	}
}

// startHeartbeatDemo schedules a recurring broadcast publish so a running
// instance produces visible traffic on its own heartbeat subject. Publish
// attempts are wrapped in retry.Do with a Quick budget: a transient bus
// error (e.g. mid-reconnect) is worth a few fast retries, while any other
// error is marked non-retryable so a single bad heartbeat doesn't block the
// next scheduled tick.
func startHeartbeatDemo(c *lifecycle.Controller) {
	c.Scheduler.ScheduleInterval("heartbeat_demo", 10*time.Second, func() {
		msg := HeartbeatMessage{ServiceUID: c.ServiceName(), Timestamp: time.Now()}
		err := retry.Do(context.Background(), retry.Quick(), func() error {
			pubErr := c.Publisher.PublishBroadcast(context.Background(), "runtime.heartbeat", msg)
			if pubErr != nil && !coreerrors.IsTransient(pubErr) {
				return retry.NonRetryable(pubErr)
			}
			return pubErr
		})
		if err != nil {
			c.Logger.ErrorErr("heartbeat publish failed", err)
		}
	})
}
