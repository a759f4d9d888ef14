package nfsclient

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"github.com/marmos91/nfsclient/pkg/metrics"
	"github.com/marmos91/nfsclient/pkg/rpcio"
	"github.com/mitchellh/mapstructure"
)

// Config holds the driver-wide settings.
//
// Default values (applied by NewDriver if zero):
//   - QueueDepth: 64
//   - SmallTransactions: 16, LargeTransactions: 4, MountTransactions: 2
//   - PoolMode: wait
//   - AttrTTL: 5s
//   - DeviceMajor: 0x4e4653 ("NFS")
type Config struct {
	// LocalAddr is the local UDP address of the RPC socket. Empty binds an
	// ephemeral port on all interfaces.
	LocalAddr string `mapstructure:"local_addr"`

	// QueueDepth bounds the number of calls waiting to be picked up by the
	// dispatch daemon.
	QueueDepth int `mapstructure:"queue_depth" validate:"min=0"`

	// RebaseAfter is how old the daemon's timing epoch may grow before all
	// stored deadlines are rebased. Zero uses one hour.
	RebaseAfter time.Duration `mapstructure:"rebase_after" validate:"min=0"`

	// SmallTransactions is the number of pooled transactions for calls
	// with small arguments.
	SmallTransactions int `mapstructure:"small_transactions" validate:"min=0"`

	// LargeTransactions is the number of pooled transactions for WRITE and
	// SYMLINK, whose arguments need a buffer of MaxData plus headers.
	LargeTransactions int `mapstructure:"large_transactions" validate:"min=0"`

	// MountTransactions is the number of pooled MOUNT protocol transactions.
	MountTransactions int `mapstructure:"mount_transactions" validate:"min=0"`

	// PoolMode is what a call does when its pool is exhausted: fail, wait
	// for a transaction to be returned, or create a temporary one.
	PoolMode string `mapstructure:"pool_mode" validate:"omitempty,oneof=fail wait create"`

	// AttrTTL is how long fetched attributes are trusted.
	AttrTTL time.Duration `mapstructure:"attr_ttl" validate:"min=0"`

	// DisableAttrTTL makes cached attributes never expire. Only explicit
	// forced refreshes then reach the server.
	DisableAttrTTL bool `mapstructure:"disable_attr_ttl"`

	// DeviceMajor is the major number of synthesized device numbers.
	DeviceMajor uint32 `mapstructure:"device_major"`

	// NarrowInodes selects the device/inode packing for platforms whose
	// inode numbers are 16 bits wide: the high half of the file id moves
	// into the device minor.
	NarrowInodes bool `mapstructure:"narrow_inodes"`

	// Clock drives the attribute cache. Defaults to the real clock.
	Clock clockwork.Clock `mapstructure:"-" json:"-" yaml:"-"`

	// RPCMetrics and Metrics are optional; nil means no-op.
	RPCMetrics metrics.RPCMetrics `mapstructure:"-" json:"-" yaml:"-"`
	Metrics    metrics.NFSMetrics `mapstructure:"-" json:"-" yaml:"-"`
}

const (
	DefaultSmallTransactions = 16
	DefaultLargeTransactions = 4
	DefaultMountTransactions = 2
	DefaultAttrTTL           = 5 * time.Second
	DefaultDeviceMajor       = 0x4e4653
)

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.QueueDepth == 0 {
		c.QueueDepth = rpcio.DefaultQueueDepth
	}
	if c.RebaseAfter == 0 {
		c.RebaseAfter = rpcio.DefaultRebaseAfter
	}
	if c.SmallTransactions == 0 {
		c.SmallTransactions = DefaultSmallTransactions
	}
	if c.LargeTransactions == 0 {
		c.LargeTransactions = DefaultLargeTransactions
	}
	if c.MountTransactions == 0 {
		c.MountTransactions = DefaultMountTransactions
	}
	if c.PoolMode == "" {
		c.PoolMode = rpcio.GetWait.String()
	}
	if c.AttrTTL == 0 {
		c.AttrTTL = DefaultAttrTTL
	}
	if c.DeviceMajor == 0 {
		c.DeviceMajor = DefaultDeviceMajor
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RPCMetrics == nil {
		c.RPCMetrics = metrics.NewNoopRPCMetrics()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNoopNFSMetrics()
	}
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid driver config: %w", err)
	}
	return nil
}

func (c *Config) getMode() rpcio.GetMode {
	switch c.PoolMode {
	case rpcio.GetFail.String():
		return rpcio.GetFail
	case rpcio.GetCreate.String():
		return rpcio.GetCreate
	default:
		return rpcio.GetWait
	}
}

// MountOptions describes one mount.
//
// Server addresses are supplied directly; there is no portmapper lookup.
type MountOptions struct {
	// Server is the host:port of the NFS service.
	Server string `mapstructure:"server" validate:"required,hostname_port"`

	// MountServer is the host:port of the MOUNT service. Defaults to
	// Server.
	MountServer string `mapstructure:"mount_server" validate:"omitempty,hostname_port"`

	// Export is the remote directory to mount.
	Export string `mapstructure:"export" validate:"required,startswith=/"`

	// UID, GID and Groups are the identity presented in AUTH_UNIX
	// credentials.
	UID    uint32   `mapstructure:"uid"`
	GID    uint32   `mapstructure:"gid"`
	Groups []uint32 `mapstructure:"groups" validate:"max=16"`

	// MachineName is the credential host name. Defaults to os.Hostname.
	MachineName string `mapstructure:"machine_name" validate:"max=255"`

	// Ping issues a NULL call to both services before mounting.
	Ping bool `mapstructure:"ping"`

	// ReadSize and WriteSize bound the payload of one READ or WRITE.
	// Clamped to 8192.
	ReadSize  uint32 `mapstructure:"read_size"`
	WriteSize uint32 `mapstructure:"write_size"`

	// Timeout is the lifetime of one call, retransmissions included.
	Timeout time.Duration `mapstructure:"timeout" validate:"min=0"`

	// Retransmission interval bounds; see rpcio.ServerConfig.
	InitialRetry time.Duration `mapstructure:"initial_retry" validate:"min=0"`
	MinRetry     time.Duration `mapstructure:"min_retry" validate:"min=0"`
	MaxRetry     time.Duration `mapstructure:"max_retry" validate:"min=0"`

	// RateLimit caps calls per second to the server; zero is unlimited.
	RateLimit uint `mapstructure:"rate_limit"`
	RateBurst uint `mapstructure:"rate_burst"`
}

// ApplyDefaults fills in zero values and clamps transfer sizes.
func (o *MountOptions) ApplyDefaults() {
	if o.MountServer == "" {
		o.MountServer = o.Server
	}
	if o.MachineName == "" {
		if host, err := os.Hostname(); err == nil {
			o.MachineName = host
		} else {
			o.MachineName = "localhost"
		}
	}
	if o.ReadSize == 0 || o.ReadSize > nfs.MaxData {
		o.ReadSize = nfs.MaxData
	}
	if o.WriteSize == 0 || o.WriteSize > nfs.MaxData {
		o.WriteSize = nfs.MaxData
	}
	if o.Timeout == 0 {
		o.Timeout = rpcio.DefaultTimeout
	}
}

// Validate checks struct constraints.
func (o *MountOptions) Validate() error {
	if err := validator.New().Struct(o); err != nil {
		return fmt.Errorf("invalid mount options: %w", err)
	}
	return nil
}

// ParseMountOptions decodes a free-form option map, as found in
// configuration files, into MountOptions. Durations may be given as
// strings ("2s").
func ParseMountOptions(raw map[string]any) (MountOptions, error) {
	var opts MountOptions
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &opts,
	})
	if err != nil {
		return opts, err
	}
	if err := decoder.Decode(raw); err != nil {
		return opts, fmt.Errorf("decode mount options: %w", err)
	}
	return opts, nil
}
