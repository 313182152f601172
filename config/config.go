// Package config holds the options of a simulation.
//
// Options are read with priority environment > file > defaults.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const envPrefix = "FCIQMC_"

type Config struct {
	Seed   uint64 `json:"seed" yaml:"seed"`
	NRank  int    `json:"nrank" yaml:"nrank"`
	NCycle int    `json:"ncycle" yaml:"ncycle"`

	Wavefunction   WavefunctionConfig   `json:"wavefunction" yaml:"wavefunction"`
	Propagator     PropagatorConfig     `json:"propagator" yaml:"propagator"`
	Initiator      InitiatorConfig      `json:"initiator" yaml:"initiator"`
	Shift          ShiftConfig          `json:"shift" yaml:"shift"`
	Semistochastic SemistochasticConfig `json:"semistochastic" yaml:"semistochastic"`
	Reference      ReferenceConfig      `json:"reference" yaml:"reference"`
	Balance        BalanceConfig        `json:"balance" yaml:"balance"`
	RDM            RDMConfig            `json:"rdm" yaml:"rdm"`
	Checkpoint     CheckpointConfig     `json:"checkpoint" yaml:"checkpoint"`
	Log            LogConfig            `json:"log" yaml:"log"`
}

type WavefunctionConfig struct {
	NRoot    int `json:"nroot" yaml:"nroot"`
	NReplica int `json:"nreplica" yaml:"nreplica"`
	// InitialWeight is placed on the reference of every part.
	InitialWeight float64 `json:"initial_weight" yaml:"initial_weight"`
	BlocksPerRank int     `json:"blocks_per_rank" yaml:"blocks_per_rank"`
	// Capacity is the initial number of rows per rank.
	Capacity int `json:"capacity" yaml:"capacity"`
}

type PropagatorConfig struct {
	Exact  bool    `json:"exact" yaml:"exact"`
	Tau    float64 `json:"tau" yaml:"tau"`
	TauMin float64 `json:"tau_min" yaml:"tau_min"`
	TauMax float64 `json:"tau_max" yaml:"tau_max"`
	// Static disables the adaptation of tau and the excitation class probabilities.
	Static            bool    `json:"static" yaml:"static"`
	MaxBloom          float64 `json:"max_bloom" yaml:"max_bloom"`
	MinSpawnMag       float64 `json:"min_spawn_mag" yaml:"min_spawn_mag"`
	MinDeathMag       float64 `json:"min_death_mag" yaml:"min_death_mag"`
	MinExcitClassProb float64 `json:"min_excit_class_prob" yaml:"min_excit_class_prob"`
	Period            int     `json:"period" yaml:"period"`
	// ClassProbs are the initial excitation class probabilities, uniform if empty.
	ClassProbs []float64 `json:"class_probs" yaml:"class_probs"`
	ImpSampExp float64   `json:"imp_samp_exp" yaml:"imp_samp_exp"`
}

type InitiatorConfig struct {
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

type ShiftConfig struct {
	// Init is the initial shift relative to the diagonal energy of the reference.
	Init          float64 `json:"init" yaml:"init"`
	NWalkerTarget float64 `json:"nwalker_target" yaml:"nwalker_target"`
	Damp          float64 `json:"damp" yaml:"damp"`
	Period        int     `json:"period" yaml:"period"`
	TargetDamp    float64 `json:"target_damp" yaml:"target_damp"`
	NCycleAv      int     `json:"ncycle_av" yaml:"ncycle_av"`
}

type SemistochasticConfig struct {
	// Size is the number of basis functions in the deterministic subspace, zero to disable.
	Size int `json:"size" yaml:"size"`
	// Cycle is when the subspace is built.
	Cycle int `json:"cycle" yaml:"cycle"`
}

type ReferenceConfig struct {
	RedefineThreshold float64 `json:"redefine_threshold" yaml:"redefine_threshold"`
	// Period is zero to never redefine the reference.
	Period int `json:"period" yaml:"period"`
}

type BalanceConfig struct {
	// Period is zero to disable load balancing.
	Period    int     `json:"period" yaml:"period"`
	Tolerance float64 `json:"tolerance" yaml:"tolerance"`
}

type RDMConfig struct {
	// Ranks are the density matrix signatures to accumulate, "1" and or "2".
	Ranks            []string `json:"ranks" yaml:"ranks"`
	Start            int      `json:"start" yaml:"start"`
	NCycle           int      `json:"ncycle" yaml:"ncycle"`
	ExplicitRefConns bool     `json:"explicit_ref_conns" yaml:"explicit_ref_conns"`
}

// Enabled reports whether density matrices are accumulated.
func (c RDMConfig) Enabled() bool { return len(c.Ranks) > 0 && c.NCycle > 0 }

type CheckpointConfig struct {
	Path    string `json:"path" yaml:"path"`
	Period  int    `json:"period" yaml:"period"`
	Restart bool   `json:"restart" yaml:"restart"`
}

type LogConfig struct {
	Period time.Duration `json:"period" yaml:"period"`
}

func Default() Config {
	return Config{
		Seed:   1,
		NRank:  1,
		NCycle: 1000,
		Wavefunction: WavefunctionConfig{
			NRoot:         1,
			NReplica:      1,
			InitialWeight: 10,
			BlocksPerRank: 16,
			Capacity:      1024,
		},
		Propagator: PropagatorConfig{
			Tau:               0.01,
			TauMin:            1e-5,
			TauMax:            0.1,
			MaxBloom:          3,
			MinSpawnMag:       0.4,
			MinExcitClassProb: 0.01,
			Period:            10,
		},
		Initiator: InitiatorConfig{Threshold: 3},
		Shift: ShiftConfig{
			NWalkerTarget: 1000,
			Damp:          0.3,
			TargetDamp:    0.02,
			Period:        5,
			NCycleAv:      100,
		},
		Reference: ReferenceConfig{RedefineThreshold: 2},
		Balance:   BalanceConfig{Tolerance: 0.1},
		Log:       LogConfig{Period: 5 * time.Second},
	}
}

// Load reads the YAML file at path over the defaults, then applies environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return Config{}, errors.Wrap(err, "")
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, errors.Wrap(err, path)
			}
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return Config{}, errors.Wrap(err, "")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "")
	}
	return cfg, nil
}

func (c *Config) loadEnv() error {
	ints := []struct {
		name string
		v    *int
	}{
		{"NRANK", &c.NRank},
		{"NCYCLE", &c.NCycle},
		{"NROOT", &c.Wavefunction.NRoot},
		{"NREPLICA", &c.Wavefunction.NReplica},
		{"SEMISTOCHASTIC_SIZE", &c.Semistochastic.Size},
		{"CHECKPOINT_PERIOD", &c.Checkpoint.Period},
	}
	for _, e := range ints {
		s, ok := os.LookupEnv(envPrefix + e.name)
		if !ok {
			continue
		}
		i, err := strconv.Atoi(s)
		if err != nil {
			return errors.Wrap(err, envPrefix+e.name)
		}
		*e.v = i
	}

	floats := []struct {
		name string
		v    *float64
	}{
		{"TAU", &c.Propagator.Tau},
		{"NWALKER_TARGET", &c.Shift.NWalkerTarget},
		{"INITIATOR_THRESHOLD", &c.Initiator.Threshold},
	}
	for _, e := range floats {
		s, ok := os.LookupEnv(envPrefix + e.name)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return errors.Wrap(err, envPrefix+e.name)
		}
		*e.v = f
	}

	if s, ok := os.LookupEnv(envPrefix + "SEED"); ok {
		seed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return errors.Wrap(err, envPrefix+"SEED")
		}
		c.Seed = seed
	}
	if s, ok := os.LookupEnv(envPrefix + "EXACT"); ok {
		exact, err := strconv.ParseBool(s)
		if err != nil {
			return errors.Wrap(err, envPrefix+"EXACT")
		}
		c.Propagator.Exact = exact
	}
	if s, ok := os.LookupEnv(envPrefix + "CHECKPOINT_PATH"); ok {
		c.Checkpoint.Path = s
	}
	return nil
}

func (c Config) Validate() error {
	switch {
	case c.NRank < 1:
		return errors.Errorf("nrank %d", c.NRank)
	case c.NCycle < 0:
		return errors.Errorf("ncycle %d", c.NCycle)
	}

	wf := c.Wavefunction
	switch {
	case wf.NRoot < 1:
		return errors.Errorf("nroot %d", wf.NRoot)
	case wf.NReplica != 1 && wf.NReplica != 2:
		return errors.Errorf("nreplica %d", wf.NReplica)
	case wf.InitialWeight == 0:
		return errors.Errorf("initial_weight %f", wf.InitialWeight)
	case wf.BlocksPerRank < 1:
		return errors.Errorf("blocks_per_rank %d", wf.BlocksPerRank)
	case wf.Capacity < 1:
		return errors.Errorf("capacity %d", wf.Capacity)
	}

	p := c.Propagator
	switch {
	case !(p.Tau > 0):
		return errors.Errorf("tau %f", p.Tau)
	case !(p.TauMin > 0) || p.TauMin > p.TauMax:
		return errors.Errorf("tau_min %f tau_max %f", p.TauMin, p.TauMax)
	case !(p.MaxBloom > 0):
		return errors.Errorf("max_bloom %f", p.MaxBloom)
	case p.MinSpawnMag < 0:
		return errors.Errorf("min_spawn_mag %f", p.MinSpawnMag)
	case p.MinDeathMag < 0:
		return errors.Errorf("min_death_mag %f", p.MinDeathMag)
	case p.MinExcitClassProb < 0 || p.MinExcitClassProb >= 1:
		return errors.Errorf("min_excit_class_prob %f", p.MinExcitClassProb)
	case p.Period < 1:
		return errors.Errorf("propagator period %d", p.Period)
	}
	if len(p.ClassProbs) > 0 {
		var sum float64
		for _, prob := range p.ClassProbs {
			if prob < 0 {
				return errors.Errorf("class_probs %v", p.ClassProbs)
			}
			sum += prob
		}
		if math.Abs(sum-1) > 1e-9 {
			return errors.Errorf("class_probs %v sum to %f", p.ClassProbs, sum)
		}
	}

	if c.Initiator.Threshold < 0 {
		return errors.Errorf("initiator threshold %f", c.Initiator.Threshold)
	}

	s := c.Shift
	switch {
	case !(s.NWalkerTarget > 0):
		return errors.Errorf("nwalker_target %f", s.NWalkerTarget)
	case s.Damp < 0 || s.TargetDamp < 0:
		return errors.Errorf("damp %f target_damp %f", s.Damp, s.TargetDamp)
	case s.Period < 1:
		return errors.Errorf("shift period %d", s.Period)
	case s.NCycleAv < 1:
		return errors.Errorf("ncycle_av %d", s.NCycleAv)
	}

	switch {
	case c.Semistochastic.Size < 0 || c.Semistochastic.Cycle < 0:
		return errors.Errorf("semistochastic %#v", c.Semistochastic)
	case c.Reference.Period < 0 || (c.Reference.Period > 0 && c.Reference.RedefineThreshold < 1):
		return errors.Errorf("reference %#v", c.Reference)
	case c.Balance.Period < 0 || c.Balance.Tolerance < 0:
		return errors.Errorf("balance %#v", c.Balance)
	case c.Checkpoint.Period < 0:
		return errors.Errorf("checkpoint period %d", c.Checkpoint.Period)
	case c.Checkpoint.Restart && c.Checkpoint.Path == "":
		return errors.Errorf("restart without checkpoint path")
	}

	r := c.RDM
	for _, k := range r.Ranks {
		if k != "1" && k != "2" {
			return errors.Errorf("rdm rank %q", k)
		}
	}
	if r.Start < 0 || r.NCycle < 0 {
		return errors.Errorf("rdm start %d ncycle %d", r.Start, r.NCycle)
	}
	if r.Enabled() && wf.NReplica != 2 {
		return errors.Errorf("density matrices need nreplica 2, got %d", wf.NReplica)
	}
	return nil
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%#v", c)
	}
	return string(b)
}
