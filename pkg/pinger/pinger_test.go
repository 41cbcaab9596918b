package pinger

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shengquan-ni/flink-exp/pkg/mailbox"
	"github.com/shengquan-ni/flink-exp/pkg/types"
)

func TestPingerPostsNoOpMailsAtInterval(t *testing.T) {
	mb := mailbox.New()
	resolver := mailbox.NewResolver()
	var noopCount int32
	p := mailbox.NewProcessor(mb, resolver, func(ctl mailbox.Controller) error {
		return nil
	})
	resolver.Register(mailbox.MailNoOp, func([]types.Arg) error {
		atomic.AddInt32(&noopCount, 1)
		return nil
	})

	pg := New(p, 5*time.Millisecond)
	pg.Start()
	defer pg.Stop()

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&noopCount) < 3 && time.Now().Before(deadline) {
		_, err := p.RunStep()
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&noopCount), int32(3))
}

func TestPingerDisabledWhenIntervalIsZero(t *testing.T) {
	mb := mailbox.New()
	resolver := mailbox.NewResolver()
	p := mailbox.NewProcessor(mb, resolver, func(ctl mailbox.Controller) error { return nil })
	pg := New(p, 0)
	pg.Start()
	defer pg.Stop()
	assert.False(t, mb.HasMail())
}

func TestPingerStopIsIdempotent(t *testing.T) {
	mb := mailbox.New()
	resolver := mailbox.NewResolver()
	p := mailbox.NewProcessor(mb, resolver, func(ctl mailbox.Controller) error { return nil })
	pg := New(p, 10*time.Millisecond)
	pg.Start()
	pg.Stop()
	pg.Stop()
}
