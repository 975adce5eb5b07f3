// Package config loads the acquisition service's configuration document
// and keeps a live, hot-reloadable snapshot of it. Grounded on the
// teacher's own internal/config/config.go viper setup, generalized from a
// one-shot Load into a watched, swappable snapshot: fsnotify on the
// backing file plus a cron fallback, per SPEC_FULL's ambient config layer.
package config

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/modflux/acquisitiond/internal/model"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Document is the on-disk shape of the config file (mapstructure tags
// match the YAML schema of spec §6); ToModel converts it into the
// model.Config the rest of the system consumes.
type Document struct {
	Connections       []ConnectionDoc `mapstructure:"connections"`
	AutoCreateDevices []DeviceDoc     `mapstructure:"auto_create_devices"`
}

type ConnectionDoc struct {
	ConnID              string      `mapstructure:"conn_id"`
	Kind                string      `mapstructure:"kind"`
	Host                string      `mapstructure:"host"`
	Port                int         `mapstructure:"port"`
	SerialPort          string      `mapstructure:"serial_port"`
	Baud                int         `mapstructure:"baud"`
	DataBits            int         `mapstructure:"data_bits"`
	Parity              string      `mapstructure:"parity"`
	StopBits            int         `mapstructure:"stop_bits"`
	SlaveID             int         `mapstructure:"slave_id"`
	RegisterType        string      `mapstructure:"register_type"`
	ByteOrder           string      `mapstructure:"byte_order"`
	SlavePort           int         `mapstructure:"slave_port"`
	PollIntervalMs      int         `mapstructure:"poll_interval_ms"`
	MinPollIntervalMs   int         `mapstructure:"min_poll_interval_ms"`
	TimeoutMs           int         `mapstructure:"timeout_ms"`
	PauseAfterConnectMs int         `mapstructure:"pause_after_connect_ms"`
	CloseAfterGather    bool        `mapstructure:"close_after_gather"`
	Devices             []DeviceDoc `mapstructure:"devices"`
}

type DeviceDoc struct {
	DeviceID   string         `mapstructure:"device_id"`
	PollMode   string         `mapstructure:"poll_mode"`
	ReadBlocks []ReadBlockDoc `mapstructure:"read_blocks"`
	Parameters []ParameterDoc `mapstructure:"parameters"`
}

type ReadBlockDoc struct {
	Start int `mapstructure:"start"`
	Count int `mapstructure:"count"`
}

type ParameterDoc struct {
	Code      string            `mapstructure:"code"`
	DataType  string            `mapstructure:"data_type"`
	Addresses []int             `mapstructure:"addresses"`
	Scale     float64           `mapstructure:"scale"`
	Offset    float64           `mapstructure:"offset"`
	Precision int               `mapstructure:"precision"`
	BitMap    map[string]BitDoc `mapstructure:"bit_map"`
	EnumMap   map[string]string `mapstructure:"enum_map"`
	OnChange  bool              `mapstructure:"on_change"`
	Unit      string            `mapstructure:"unit"`
}

type BitDoc struct {
	Code string `mapstructure:"code"`
	Name string `mapstructure:"name"`
}

// ToModel converts the on-disk Document into a validated model.Config.
func (d Document) ToModel() (model.Config, error) {
	cfg := model.Config{}
	for _, c := range d.Connections {
		cs, err := c.toModel()
		if err != nil {
			return model.Config{}, err
		}
		cfg.Connections = append(cfg.Connections, cs)
	}
	for _, dd := range d.AutoCreateDevices {
		dev, err := dd.toModel()
		if err != nil {
			return model.Config{}, err
		}
		cfg.AutoCreateDevices = append(cfg.AutoCreateDevices, dev)
	}
	return cfg, nil
}

func (c ConnectionDoc) toModel() (model.ConnectionSpec, error) {
	spec := model.ConnectionSpec{
		ConnID:            c.ConnID,
		SlaveID:           byte(c.SlaveID),
		RegisterType:      model.RegisterType(c.RegisterType),
		ByteOrder:         model.ByteOrder(strings.ToUpper(c.ByteOrder)),
		SlavePort:         c.SlavePort,
		PollInterval:      msToDuration(c.PollIntervalMs),
		MinPollInterval:   msToDuration(c.MinPollIntervalMs),
		Timeout:           msToDuration(c.TimeoutMs),
		PauseAfterConnect: msToDuration(c.PauseAfterConnectMs),
		CloseAfterGather:  c.CloseAfterGather,
	}
	switch c.Kind {
	case "tcp":
		spec.Kind = model.TransportTCP
		spec.TCP = model.TCPSpec{Host: c.Host, Port: c.Port}
	case "rtu":
		spec.Kind = model.TransportRTU
		spec.RTU = model.RTUSpec{
			SerialPort: c.SerialPort, Baud: c.Baud, DataBits: c.DataBits,
			Parity: c.Parity, StopBits: c.StopBits,
		}
	default:
		return model.ConnectionSpec{}, fmt.Errorf("connection %q: invalid spec: unknown kind %q", c.ConnID, c.Kind)
	}
	for _, dd := range c.Devices {
		dev, err := dd.toModel()
		if err != nil {
			return model.ConnectionSpec{}, err
		}
		spec.Devices = append(spec.Devices, dev)
	}
	return spec, nil
}

func (d DeviceDoc) toModel() (model.DeviceSpec, error) {
	dev := model.DeviceSpec{DeviceID: d.DeviceID, PollMode: model.PollMode(d.PollMode)}
	for _, rb := range d.ReadBlocks {
		dev.ReadBlocks = append(dev.ReadBlocks, model.ReadBlock{Start: uint16(rb.Start), Count: uint16(rb.Count)})
	}
	for _, p := range d.Parameters {
		ps, err := p.toModel()
		if err != nil {
			return model.DeviceSpec{}, err
		}
		dev.Parameters = append(dev.Parameters, ps)
	}
	if err := dev.Validate(); err != nil {
		return model.DeviceSpec{}, err
	}
	return dev, nil
}

func (p ParameterDoc) toModel() (model.ParameterSpec, error) {
	ps := model.ParameterSpec{
		Code: p.Code, DataType: model.DataType(p.DataType),
		Scale: p.Scale, Offset: p.Offset, Precision: p.Precision,
		EnumMap: p.EnumMap, OnChange: p.OnChange, Unit: p.Unit,
	}
	for _, a := range p.Addresses {
		ps.Addresses = append(ps.Addresses, uint16(a))
	}
	if p.BitMap != nil {
		ps.BitMap = make(map[string]model.BitSpec, len(p.BitMap))
		for k, b := range p.BitMap {
			ps.BitMap[k] = model.BitSpec{Code: b.Code, Name: b.Name}
		}
	}
	if err := ps.Validate(); err != nil {
		return model.ParameterSpec{}, err
	}
	return ps, nil
}

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// Provider holds a live, hot-reloadable model.Config snapshot behind an
// atomic pointer so GetSnapshot never blocks on the reload path.
type Provider struct {
	log *zap.Logger
	v   *viper.Viper

	snapshot atomic.Pointer[model.Config]
	watcher  *fsnotify.Watcher
	cron     *cron.Cron

	onChange func(model.Config)
}

// NewProvider loads configPath once and returns a Provider reflecting
// that load. Call Watch to start live reload.
func NewProvider(configPath string, log *zap.Logger) (*Provider, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("ACQUISITIOND")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", configPath, err)
	}

	p := &Provider{log: log, v: v}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) reload() error {
	var doc Document
	if err := p.v.Unmarshal(&doc); err != nil {
		return fmt.Errorf("config: unmarshal failed: %w", err)
	}
	cfg, err := doc.ToModel()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	p.snapshot.Store(&cfg)
	if p.onChange != nil {
		p.onChange(cfg)
	}
	return nil
}

// Refresh re-reads the config file, swaps in the new snapshot (invoking the
// Watch callback, if one is set), and returns it. On error the previous
// snapshot stays in place.
func (p *Provider) Refresh() (model.Config, error) {
	if err := p.v.ReadInConfig(); err != nil {
		return model.Config{}, fmt.Errorf("config: failed to read %s: %w", p.v.ConfigFileUsed(), err)
	}
	if err := p.reload(); err != nil {
		return model.Config{}, err
	}
	return p.GetSnapshot(), nil
}

// GetSnapshot returns the current configuration. Safe for concurrent use.
func (p *Provider) GetSnapshot() model.Config {
	return *p.snapshot.Load()
}

// Watch starts the fsnotify file watcher and a 5-minute cron fallback,
// invoking onChange with every successfully reloaded snapshot. Returns a
// stop function.
func (p *Provider) Watch(onChange func(model.Config)) (func(), error) {
	p.onChange = onChange

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher init failed: %w", err)
	}
	if err := w.Add(p.v.ConfigFileUsed()); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s failed: %w", p.v.ConfigFileUsed(), err)
	}
	p.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := p.v.ReadInConfig(); err != nil {
						p.logWarn("config file reload failed", err)
						continue
					}
					if err := p.reload(); err != nil {
						p.logWarn("config reload failed", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.logWarn("config watcher error", err)
			}
		}
	}()

	c := cron.New()
	if _, err := c.AddFunc("@every 5m", func() {
		if err := p.v.ReadInConfig(); err != nil {
			p.logWarn("config periodic refresh read failed", err)
			return
		}
		if err := p.reload(); err != nil {
			p.logWarn("config periodic refresh failed", err)
		}
	}); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: cron schedule failed: %w", err)
	}
	c.Start()
	p.cron = c

	return func() {
		w.Close()
		c.Stop()
	}, nil
}

func (p *Provider) logWarn(msg string, err error) {
	if p.log != nil {
		p.log.Warn(msg, zap.Error(err))
	}
}
