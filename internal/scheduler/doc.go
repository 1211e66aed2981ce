// Package scheduler refreshes report devices on their cron schedules.
//
// Each device's bound configuration carries a standard five-field cron
// expression in RefreshSchedule. Once per tick (a minute by default) the
// scheduler evaluates every expression and calls Registry.TryRefresh for
// the devices that are due. Devices without a schedule, including devices
// running on the default configuration, are never polled.
//
// Usage:
//
//	sched, err := scheduler.New(scheduler.Options{
//	    Registry: registry,
//	    Tick:     cfg.GetSchedulerTick(),
//	    Logger:   log.With("component", "scheduler"),
//	})
//	if err != nil {
//	    return err
//	}
//	go sched.Run(ctx)
package scheduler
