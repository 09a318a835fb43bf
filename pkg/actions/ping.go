package actions

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// PingActionName is the registered name of PingAction.
const PingActionName = "net.ping"

// PingAction checks that a host accepts TCP connections on a port.
type PingAction struct {
	host     string
	port     int64
	timeout  time.Duration
	attempts int64
	dialer   func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewPingAction creates a PingAction.
func NewPingAction() *PingAction {
	return &PingAction{}
}

// Discover implements engine.Action.
func (a *PingAction) Discover() engine.ActionMetadata {
	return engine.ActionMetadata{
		Name:        PingActionName,
		Author:      author,
		Description: "Probes a host with a TCP connection and reports the latency",
		Inputs: []engine.InputSpec{
			{ID: "host", Description: "Host name or address", Kind: engine.KindString, Required: true},
			{ID: "port", Description: "TCP port", Kind: engine.KindInt, Default: engine.IntValue(80)},
			{ID: "timeout-ms", Description: "Per-attempt timeout in milliseconds", Kind: engine.KindInt, Default: engine.IntValue(2000)},
			{ID: "attempts", Description: "Attempts before giving up", Kind: engine.KindInt, Default: engine.IntValue(1)},
		},
		Outputs: []engine.OutputSpec{
			{ID: "latency-ms", Description: "Connect latency of the first successful attempt", Kind: engine.KindFloat},
		},
	}
}

// Begin implements engine.Action.
func (a *PingAction) Begin(_ context.Context, in engine.Inputs) error {
	a.host = in.String("host")
	a.port = in.Int("port")
	a.timeout = time.Duration(in.Int("timeout-ms")) * time.Millisecond
	a.attempts = in.Int("attempts")
	if a.attempts < 1 {
		a.attempts = 1
	}
	if a.dialer == nil {
		a.dialer = (&net.Dialer{}).DialContext
	}
	return nil
}

// Process implements engine.Action.
func (a *PingAction) Process(ctx context.Context, ec *engine.ExecutionContext) (engine.Outputs, error) {
	if a.port < 1 || a.port > 65535 {
		ec.Failf("invalid port %d", a.port)
		return nil, nil
	}

	logger := zerolog.Ctx(ctx)
	address := net.JoinHostPort(a.host, strconv.FormatInt(a.port, 10))

	var lastErr error
	for attempt := int64(1); attempt <= a.attempts; attempt++ {
		latency, err := a.probe(ctx, address)
		if err == nil {
			logger.Debug().Str("address", address).Dur("latency", latency).Msg("Host reachable")
			ec.Succeed()
			return engine.Outputs{
				"latency-ms": engine.FloatValue(float64(latency.Microseconds()) / 1000),
			}, nil
		}
		lastErr = err
		logger.Debug().Err(err).Str("address", address).Int64("attempt", attempt).Msg("Probe failed")

		if ctx.Err() != nil {
			break
		}
	}

	ec.Fail(fmt.Sprintf("host %s unreachable after %d attempt(s): %v", address, a.attempts, lastErr))
	return nil, nil
}

func (a *PingAction) probe(ctx context.Context, address string) (time.Duration, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := a.dialer(ctx, "tcp", address)
	if err != nil {
		return 0, err
	}
	latency := time.Since(start)
	_ = conn.Close()
	return latency, nil
}

// End implements engine.Action.
func (a *PingAction) End(context.Context) error {
	return nil
}
