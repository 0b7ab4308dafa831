package types

import (
	"net"
	"strconv"
	"time"
)

// MemberConfig describes one cluster member, translated from the abstract
// consensus_config[i] option of §6.5.
type MemberConfig struct {
	IPAddress string `yaml:"ip_address"`
	Port      uint16 `yaml:"port"`
	SysLog    int    `yaml:"sys_log"`
	StatLog   int    `yaml:"stat_log"`
	DBName    string `yaml:"db_name"`
}

// Addr returns the dialable "host:port" for this member.
func (m MemberConfig) Addr() string {
	return net.JoinHostPort(m.IPAddress, strconv.Itoa(int(m.Port)))
}

// GlobalConfig is dare_global_config from §6.5, the tunables of §4.3.
type GlobalConfig struct {
	HBPeriod           time.Duration `yaml:"hb_period"`
	ElecTimeoutLow     time.Duration `yaml:"elec_timeout_low"`
	ElecTimeoutHigh    time.Duration `yaml:"elec_timeout_high"`
	RCInfoPeriod       time.Duration `yaml:"rc_info_period"`
	RetransmitPeriod   time.Duration `yaml:"retransmit_period"`
	LogPruningPeriod   time.Duration `yaml:"log_pruning_period"`
	HBTimeoutInitial   time.Duration `yaml:"hb_timeout_initial"`
	AdaptSampleWindow  int           `yaml:"hb_adapt_sample_window"`
	AdaptGrowthPercent int           `yaml:"hb_adapt_growth_percent"`
}

// DefaultGlobalConfig mirrors the design values of §4.3.
func DefaultGlobalConfig() GlobalConfig {
	hb := time.Millisecond
	return GlobalConfig{
		HBPeriod:           hb,
		ElecTimeoutLow:      10 * time.Millisecond,
		ElecTimeoutHigh:    30 * time.Millisecond,
		RCInfoPeriod:       time.Second,
		RetransmitPeriod:   2 * hb,
		LogPruningPeriod:   time.Second,
		HBTimeoutInitial:   10 * hb,
		AdaptSampleWindow:  100000,
		AdaptGrowthPercent: 10,
	}
}

// ClusterConfig is the abstract configuration file of §6.5.
type ClusterConfig struct {
	GroupSize        uint32         `yaml:"group_size"`
	ConsensusConfig  []MemberConfig `yaml:"consensus_config"`
	MgrGlobalConfig  struct {
		RSM          int `yaml:"rsm"`
		CheckOutput  int `yaml:"check_output"`
	} `yaml:"mgr_global_config"`
	DareGlobalConfig GlobalConfig `yaml:"dare_global_config"`
	LogSize          int64        `yaml:"log_size"`
}

// EnvConfig is the environment-variable surface of §6.6.
type EnvConfig struct {
	ServerIdx  uint8
	GroupSize  uint32
	ServerType string // "start" | "join"
	ConfigPath string
	LogFile    string
	MGID       string
	NodeID     string
}

// ServerTypeStart and ServerTypeJoin are the two values of env var server_type.
const (
	ServerTypeStart = "start"
	ServerTypeJoin  = "join"
)
