package collective

import (
	"time"

	"github.com/gomlx/collective/tensor"
	"github.com/gomlx/collective/transport"
	"k8s.io/klog/v2"
)

// DefaultTimeout is the per-operation transport deadline applied when Options.Timeout
// is zero.
const DefaultTimeout = 10 * time.Second

// DefaultThreads is the worker-pool size applied when Options.Threads is zero.
const DefaultThreads = 2

// Options configures a Group at construction time.
type Options struct {
	// Devices is a non-empty list of transport-level devices, one per Context the
	// pool constructs. Must not contain duplicates -- two contexts racing over the
	// same device would be unable to tell their connections apart.
	Devices []tensor.Device

	// NewContext constructs one transport.Context for rank/size. Required: the
	// transport library is an external collaborator, so the Group has no other way
	// to obtain a Context.
	NewContext func(rank, size int) (transport.Context, error)

	// Timeout is the per-operation wall-clock deadline applied to every Context.
	// Defaults to DefaultTimeout.
	Timeout time.Duration

	// AbortTimeout is the grace period past Timeout after which a still-pending
	// collective is treated as a hung peer rather than a slow one.
	// Defaults to 2*Timeout. It is advisory: this package only forwards it to
	// transport.Context; whether a transport actually aborts the process is up to
	// that transport.
	AbortTimeout time.Duration

	// Threads is the worker-pool size. Defaults to DefaultThreads.
	Threads int
}

// Validate fills in defaults and rejects a configuration that cannot construct a
// usable Group.
func (o *Options) Validate() error {
	if len(o.Devices) == 0 {
		return invalidArgumentf("collective.Options.Devices must not be empty")
	}
	if o.NewContext == nil {
		return invalidArgumentf("collective.Options.NewContext must be set")
	}
	seen := make(map[tensor.Device]bool, len(o.Devices))
	for _, d := range o.Devices {
		if seen[d] {
			return invalidArgumentf("collective.Options.Devices contains device %q more than once", d.Name())
		}
		seen[d] = true
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.AbortTimeout <= 0 {
		o.AbortTimeout = 2 * o.Timeout
	}
	if o.Threads <= 0 {
		o.Threads = DefaultThreads
	}
	if o.Threads > len(o.Devices) {
		klog.Warningf("collective.Options.Threads=%d exceeds len(Devices)=%d: extra workers cannot reduce "+
			"tag/context collisions since every tag still maps onto only %d contexts", o.Threads, len(o.Devices), len(o.Devices))
	}
	return nil
}
