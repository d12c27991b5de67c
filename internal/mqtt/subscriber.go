package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/miraie-bridge/internal/climate"
)

// attrHVACMode is the command suffix for the climate entity's mode
// control. It carries a Home Assistant HVAC mode, where "off" powers
// the unit down, rather than a vendor operating mode.
const attrHVACMode = "mode"

// commandAttrs lists the accepted command topic suffixes.
var commandAttrs = map[string]bool{
	attrHVACMode:                   true,
	string(climate.AttrTargetTemp): true,
	string(climate.AttrFanSpeed):   true,
	string(climate.AttrSwing):      true,
	string(climate.AttrNanoe):      true,
	string(climate.AttrPowerful):   true,
	string(climate.AttrEconomy):    true,
	string(climate.AttrPower):      true,
}

// inboundCommand is one command received from Home Assistant.
type inboundCommand struct {
	deviceID string
	attr     string
	value    string
}

// parseCommandTopic splits "<base>/<device>/<attr>/set" into its
// device and attribute. It rejects topics outside base, the bridge's
// own topics and unknown attributes.
func parseCommandTopic(base, topic string) (deviceID, attr string, ok bool) {
	rest, found := strings.CutPrefix(topic, base+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return "", "", false
	}
	deviceID, attr = parts[0], parts[1]
	if deviceID == "" || deviceID == bridgeNode || !commandAttrs[attr] {
		return "", "", false
	}
	return deviceID, attr, true
}

// commandsFor turns an inbound command into climate commands. The HVAC
// mode maps onto a power and mode sequence; every other attribute is a
// single command.
func commandsFor(attr, value string) ([]climate.Command, error) {
	if attr == attrHVACMode {
		return climate.HVACCommands(value)
	}
	cmd, err := climate.ParseCommand(attr, value)
	if err != nil {
		return nil, err
	}
	return []climate.Command{cmd}, nil
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled and
// warns when messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow counts a message and reports whether it is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
