// Package config loads ldpsim settings from built-in defaults, an optional
// YAML file and LDPSIM_* environment variables, in that order, and validates
// the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/n0madic/go-rare-event-is/ldp"
	"github.com/n0madic/go-rare-event-is/logging"
	"github.com/n0madic/go-rare-event-is/model"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. LDPSIM_MODEL_THRESHOLD.
const EnvPrefix = "LDPSIM_"

// Model mirrors model.Params with file and environment bindings.
type Model struct {
	Beta0        float64 `yaml:"beta0" env:"BETA0" validate:"gte=0"`
	Beta1        float64 `yaml:"beta1" env:"BETA1" validate:"gte=0"`
	Steps        int     `yaml:"steps" env:"STEPS" validate:"gte=1"`
	InitialState int     `yaml:"initial_state" env:"INITIAL_STATE" validate:"gte=0"`
	Threshold    float64 `yaml:"threshold" env:"THRESHOLD"`
	Trials       int     `yaml:"trials" env:"TRIALS" validate:"gte=1"`
}

// Solver configures power iteration and the Λ' finite difference.
type Solver struct {
	MaxIterations  int     `yaml:"max_iterations" env:"MAX_ITERATIONS" validate:"gte=1"`
	Tolerance      float64 `yaml:"tolerance" env:"TOLERANCE" validate:"gt=0"`
	DerivativeStep float64 `yaml:"derivative_step" env:"DERIVATIVE_STEP" validate:"gt=0"`
}

// Search configures the bisection for θ*.
type Search struct {
	Low           float64 `yaml:"low" env:"LOW"`
	High          float64 `yaml:"high" env:"HIGH" validate:"gtfield=Low"`
	Expanded      float64 `yaml:"expanded" env:"EXPANDED"`
	MaxIterations int     `yaml:"max_iterations" env:"MAX_ITERATIONS" validate:"gte=1"`
	Tolerance     float64 `yaml:"tolerance" env:"TOLERANCE" validate:"gt=0"`
	FailResidual  float64 `yaml:"fail_residual" env:"FAIL_RESIDUAL" validate:"gt=0"`
}

// Server configures the HTTP API.
type Server struct {
	Addr     string        `yaml:"addr" env:"ADDR" validate:"required"`
	MaxTasks int           `yaml:"max_tasks" env:"MAX_TASKS" validate:"gte=1"`
	TaskTTL  time.Duration `yaml:"task_ttl" env:"TASK_TTL" validate:"gt=0"`
}

// Research configures the literature-search collaborator. An empty API key
// disables it.
type Research struct {
	APIKey            string  `yaml:"api_key" env:"API_KEY"`
	BaseURL           string  `yaml:"base_url" env:"BASE_URL" validate:"omitempty,url"`
	Model             string  `yaml:"model" env:"MODEL" validate:"required"`
	FallbackModel     string  `yaml:"fallback_model" env:"FALLBACK_MODEL"`
	RequestsPerMinute float64 `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE" validate:"gt=0"`
}

// Config is the full ldpsim configuration.
type Config struct {
	Model      Model          `yaml:"model" envPrefix:"MODEL_"`
	Truncation int            `yaml:"truncation" env:"TRUNCATION" validate:"gte=2,lte=5000"`
	Seed       int64          `yaml:"seed" env:"SEED"`
	Workers    int            `yaml:"workers" env:"WORKERS" validate:"gte=0"`
	Solver     Solver         `yaml:"solver" envPrefix:"SOLVER_"`
	Search     Search         `yaml:"search" envPrefix:"SEARCH_"`
	Log        logging.Config `yaml:"log" envPrefix:"LOG_"`
	Server     Server         `yaml:"server" envPrefix:"SERVER_"`
	Research   Research       `yaml:"research" envPrefix:"RESEARCH_"`
}

// Default returns the reference experiment with the solver defaults.
func Default() Config {
	p := model.DefaultParams()
	b := ldp.DefaultBracket()
	return Config{
		Model: Model{
			Beta0:        p.Beta0,
			Beta1:        p.Beta1,
			Steps:        p.Steps,
			InitialState: p.InitialState,
			Threshold:    p.Threshold,
			Trials:       p.Trials,
		},
		Truncation: 50,
		Solver: Solver{
			MaxIterations:  100,
			Tolerance:      1e-7,
			DerivativeStep: ldp.DefaultStep,
		},
		Search: Search{
			Low:           b.Low,
			High:          b.High,
			Expanded:      b.Expanded,
			MaxIterations: ldp.DefaultMaxIterations,
			Tolerance:     ldp.DefaultTolerance,
			FailResidual:  ldp.DefaultFailResidual,
		},
		Log: logging.Config{Level: "info", Format: "text"},
		Server: Server{
			Addr:     ":8080",
			MaxTasks: 64,
			TaskTTL:  time.Hour,
		},
		Research: Research{
			Model:             "gpt-4o",
			FallbackModel:     "gpt-4o-mini",
			RequestsPerMinute: 10,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the model parameter domain.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (%v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return c.Params().Validate()
}

// Params returns the model parameters.
func (c Config) Params() model.Params {
	return model.Params{
		Beta0:        c.Model.Beta0,
		Beta1:        c.Model.Beta1,
		Steps:        c.Model.Steps,
		InitialState: c.Model.InitialState,
		Threshold:    c.Model.Threshold,
		Trials:       c.Model.Trials,
	}
}

// Bracket returns the θ search bracket.
func (c Config) Bracket() ldp.Bracket {
	return ldp.Bracket{Low: c.Search.Low, High: c.Search.High, Expanded: c.Search.Expanded}
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
