package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/autostartstop/internal/backoff"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

type flakyPinger struct {
	failures int
	calls    int
}

func (p *flakyPinger) Ping(ctx context.Context) *redis.StatusCmd {
	p.calls++
	cmd := redis.NewStatusCmd(ctx)
	if p.calls <= p.failures {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	cmd.SetVal("PONG")
	return cmd
}

func testRetry(total time.Duration) retryConfig {
	return retryConfig{
		policy:        backoff.New(time.Millisecond, 4*time.Millisecond, 0),
		pingTimeout:   10 * time.Millisecond,
		totalTimeout:  total,
		warnThreshold: 1,
	}
}

func TestConnectWithRetry(t *testing.T) {
	log := &connectionLogger{logger: logger.NewNop()}

	tests := []struct {
		name      string
		failures  int
		total     time.Duration
		wantErr   bool
		wantCalls int
	}{
		{"first try", 0, time.Second, false, 1},
		{"after retries", 3, time.Second, false, 4},
		{"gives up", 1 << 20, 30 * time.Millisecond, true, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &flakyPinger{failures: tt.failures}
			err := connectWithRetry(context.Background(), p, "localhost:6379", testRetry(tt.total), log)

			if (err != nil) != tt.wantErr {
				t.Fatalf("connectWithRetry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantCalls > 0 && p.calls != tt.wantCalls {
				t.Errorf("ping calls = %d, want %d", p.calls, tt.wantCalls)
			}
		})
	}
}

func TestConnectWithRetryHonorsParentContext(t *testing.T) {
	log := &connectionLogger{logger: logger.NewNop()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := connectWithRetry(ctx, &flakyPinger{failures: 1 << 20}, "localhost:6379", testRetry(time.Minute), log)
	if err == nil {
		t.Fatal("connectWithRetry() expected error on canceled context")
	}
	if time.Since(start) > time.Second {
		t.Errorf("connectWithRetry() ignored the canceled context")
	}
}

func TestValidateOptions(t *testing.T) {
	log := &connectionLogger{logger: logger.NewNop()}
	valid := ConnectOptions{
		ConnectTimeout: time.Second,
		RetryInterval:  time.Millisecond,
		MaxWait:        time.Second,
		PingTimeout:    time.Second,
	}

	if err := log.validateOptions(valid); err != nil {
		t.Fatalf("validateOptions(valid) error = %v", err)
	}

	broken := []func(*ConnectOptions){
		func(o *ConnectOptions) { o.ConnectTimeout = 0 },
		func(o *ConnectOptions) { o.RetryInterval = 0 },
		func(o *ConnectOptions) { o.MaxWait = -1 },
		func(o *ConnectOptions) { o.PingTimeout = 0 },
		func(o *ConnectOptions) { o.WarnThreshold = -1 },
	}
	for i, mutate := range broken {
		opts := valid
		mutate(&opts)
		if err := log.validateOptions(opts); err == nil {
			t.Errorf("case %d: validateOptions() expected error", i)
		}
	}
}
