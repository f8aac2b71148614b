package health

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"
	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/egress/internal/clock"
	"grimm.is/egress/internal/engine"
	"grimm.is/egress/internal/services"
)

func finish(check Check, start time.Time) Check {
	check.LastChecked = start
	check.Duration = clock.Since(start)
	return check
}

// CheckFirewall reports whether the managed nft table is live.
func CheckFirewall(fw engine.FirewallBackend) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{Status: StatusHealthy, Message: "managed table present"}
		if err := fw.Verify(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		}
		return finish(check, start)
	}
}

// CheckResolver reports whether the local resolver answers queries.
func CheckResolver(p engine.ResolverProber) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{Status: StatusHealthy, Message: "resolver answering"}
		if err := p.Probe(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		}
		return finish(check, start)
	}
}

// CheckModeServices probes the current mode's required services.
func CheckModeServices(e *engine.Engine) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{Status: StatusHealthy}

		desc, err := e.Registry().Describe(e.Current())
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			return finish(check, start)
		}

		down := 0
		for _, name := range desc.RequiredUp {
			st := e.Probe(ctx, name)
			if !st.Running() {
				down++
				check.Message = fmt.Sprintf("service %s is %s", name, st.State)
				if st.State == services.StateDegraded {
					check.Status = StatusDegraded
				} else {
					check.Status = StatusUnhealthy
				}
			}
		}
		if down == 0 {
			check.Message = fmt.Sprintf("all %d required services running", len(desc.RequiredUp))
		}
		return finish(check, start)
	}
}

// CheckAlarm surfaces the rollback-failed standing alarm as unhealthy.
func CheckAlarm(e *engine.Engine) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{Status: StatusHealthy, Message: "no standing alarm"}
		st := e.State()
		if st.RollbackFailed {
			check.Status = StatusUnhealthy
			check.Message = st.LastError
		} else if st.LastError != "" {
			check.Status = StatusDegraded
			check.Message = st.LastError
		}
		return finish(check, start)
	}
}

// CheckUplink pings the upstream gateway. Unprivileged UDP ping so the
// daemon does not need raw sockets for a health probe.
func CheckUplink(monitorIP string) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{Status: StatusHealthy}

		pinger, err := probing.NewPinger(monitorIP)
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			return finish(check, start)
		}
		pinger.Count = 1
		pinger.Timeout = 3 * time.Second

		if err := pinger.RunWithContext(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("ping %s: %v", monitorIP, err)
			return finish(check, start)
		}

		stats := pinger.Statistics()
		if stats.PacketsRecv == 0 {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("uplink %s not responding", monitorIP)
		} else {
			check.Message = fmt.Sprintf("uplink %s rtt %s", monitorIP, stats.AvgRtt.Round(time.Millisecond))
		}
		return finish(check, start)
	}
}

// CheckClockDrift compares local time against NTP. A Pi without an RTC
// that boots with a wild clock breaks DNSSEC validation, so drift is a
// health signal here, not a nicety.
func CheckClockDrift(server string, maxDrift time.Duration) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{Status: StatusHealthy}

		resp, err := ntp.Query(server)
		if err != nil {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("ntp query %s: %v", server, err)
			return finish(check, start)
		}

		offset := resp.ClockOffset
		if offset < 0 {
			offset = -offset
		}
		if offset > maxDrift {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("clock drift %s exceeds %s", resp.ClockOffset.Round(time.Millisecond), maxDrift)
		} else {
			check.Message = fmt.Sprintf("clock drift %s", resp.ClockOffset.Round(time.Millisecond))
		}
		return finish(check, start)
	}
}
