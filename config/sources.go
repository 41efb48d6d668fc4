package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	KindAPI      = "api"
	KindRendered = "rendered"
)

// SourcesFile is the YAML document describing the canonical entity and every
// upstream that feeds it.
type SourcesFile struct {
	Entity  Entity          `yaml:"entity"`
	Sources []*SourceConfig `yaml:"sources" validate:"required,min=1,dive"`
}

// Entity describes the canonical record type.
type Entity struct {
	Type string `yaml:"type" validate:"required"`
	// KeyFields are the immutable natural-identifier fields of the entity.
	KeyFields []string `yaml:"key_fields" validate:"required,min=1,dive,required"`
	// TrackedFields are the business fields completeness is measured over.
	TrackedFields []string `yaml:"tracked_fields" validate:"required,min=1,dive,required"`
}

// RateConfig is the outbound budget of one source.
type RateConfig struct {
	Requests int           `yaml:"requests" validate:"gte=0"`
	Interval time.Duration `yaml:"interval" validate:"required_with=Requests"`
	MinDelay time.Duration `yaml:"min_delay" validate:"gte=0"`
	Cooldown time.Duration `yaml:"cooldown" validate:"gte=0"`
}

// RetryConfig is the retry policy of one source.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1,lte=20"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
}

// SourceConfig describes one upstream.
type SourceConfig struct {
	ID       string `yaml:"id" validate:"required,hostname_rfc1123"`
	Kind     string `yaml:"kind" validate:"required,oneof=api rendered"`
	Schedule string `yaml:"schedule"`

	PageSize          int  `yaml:"page_size" validate:"gte=0"`
	MaxPages          int  `yaml:"max_pages" validate:"gte=0"`
	ConfirmEmptyPages int  `yaml:"confirm_empty_pages" validate:"gte=0"`
	TrustShortPages   bool `yaml:"trust_short_pages"`

	// ErrorThreshold fails the job once this many errors accumulate.
	ErrorThreshold   int  `yaml:"error_threshold" validate:"gte=1"`
	FatalOnPageError bool `yaml:"fatal_on_page_error"`

	// IncrementalDays is the look-back window of incremental runs on
	// date-windowed sources; IncrementalPages caps the pages of incremental
	// runs on page-numbered ones.
	IncrementalDays  int `yaml:"incremental_days" validate:"gte=0"`
	IncrementalPages int `yaml:"incremental_pages" validate:"gte=0"`

	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	Rate    RateConfig    `yaml:"rate"`
	Retry   RetryConfig   `yaml:"retry"`

	// Key maps each entity key field to its location in an upstream item.
	Key    map[string]string `yaml:"key" validate:"required,min=1,dive,keys,required,endkeys,required"`
	// Fields maps business fields to their location in an upstream item.
	Fields map[string]string `yaml:"fields" validate:"dive,keys,required,endkeys,required"`

	API      *APIConfig      `yaml:"api" validate:"required_if=Kind api"`
	Rendered *RenderedConfig `yaml:"rendered" validate:"required_if=Kind rendered"`
}

// APIConfig configures the paginated JSON API adapter.
type APIConfig struct {
	URL string `yaml:"url" validate:"required,url"`
	// ItemsPath is the dotted path of the item array in the response.
	ItemsPath string `yaml:"items_path" validate:"required"`
	// Pagination is "page" (index) or "offset" (item offset).
	Pagination string `yaml:"pagination" validate:"omitempty,oneof=page offset"`
	PageParam  string `yaml:"page_param" validate:"required"`
	SizeParam  string `yaml:"size_param"`
	FirstPage  int    `yaml:"first_page" validate:"gte=0"`

	// Window "day" walks the scope one calendar day at a time.
	Window     string `yaml:"window" validate:"omitempty,oneof=day"`
	FromParam  string `yaml:"from_param" validate:"required_with=Window"`
	ToParam    string `yaml:"to_param" validate:"required_with=Window"`
	DateFormat string `yaml:"date_format"`

	Params map[string]string `yaml:"params"`

	APIKeyEnv    string `yaml:"api_key_env"`
	APIKeyParam  string `yaml:"api_key_param"`
	APIKeyHeader string `yaml:"api_key_header"`

	// QuotaPath and QuotaValues recognise a quota-exceeded payload.
	QuotaPath   string   `yaml:"quota_path"`
	QuotaValues []string `yaml:"quota_values"`

	// Schema optionally replaces the envelope JSON schema derived from ItemsPath.
	Schema string `yaml:"schema"`
}

// RenderedConfig configures the headless-browser adapter.
type RenderedConfig struct {
	// URL may contain {page}, replaced by the page index.
	URL           string        `yaml:"url" validate:"required"`
	// FirstPage defaults to 1.
	FirstPage     int           `yaml:"first_page" validate:"gte=0"`
	WaitSelector  string        `yaml:"wait_selector"`
	ItemSelector  string        `yaml:"item_selector" validate:"required"`
	SettleTimeout time.Duration `yaml:"settle_timeout" validate:"gte=0"`
}

var validate = validator.New()

// LoadSources reads, defaults and validates the sources file at path.
func LoadSources(path string) (*SourcesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return ParseSources(data)
}

// ParseSources decodes a sources document, applies defaults and validates it.
func ParseSources(data []byte) (*SourcesFile, error) {
	var sf SourcesFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	for _, src := range sf.Sources {
		if src != nil {
			src.applyDefaults()
		}
	}
	if err := validate.Struct(&sf); err != nil {
		return nil, fmt.Errorf("invalid sources file: %w", describe(err))
	}
	if err := sf.check(); err != nil {
		return nil, fmt.Errorf("invalid sources file: %w", err)
	}
	return &sf, nil
}

// Source returns the source with id, or nil.
func (sf *SourcesFile) Source(id string) *SourceConfig {
	for _, src := range sf.Sources {
		if src.ID == id {
			return src
		}
	}
	return nil
}

func (sf *SourcesFile) check() error {
	seen := make(map[string]bool, len(sf.Sources))
	for _, src := range sf.Sources {
		if seen[src.ID] {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		seen[src.ID] = true

		for _, k := range sf.Entity.KeyFields {
			if _, ok := src.Key[k]; !ok {
				return fmt.Errorf("source %s: missing key field %q", src.ID, k)
			}
		}
		for k := range src.Key {
			if !contains(sf.Entity.KeyFields, k) {
				return fmt.Errorf("source %s: %q is not a key field of %s", src.ID, k, sf.Entity.Type)
			}
		}
	}
	return nil
}

func (s *SourceConfig) applyDefaults() {
	if s.ConfirmEmptyPages == 0 {
		s.ConfirmEmptyPages = 1
	}
	if s.ErrorThreshold == 0 {
		s.ErrorThreshold = 25
	}
	if s.IncrementalDays == 0 {
		s.IncrementalDays = 3
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.Retry.MaxAttempts == 0 {
		s.Retry.MaxAttempts = 3
	}
	if s.Retry.BaseDelay == 0 {
		s.Retry.BaseDelay = time.Second
	}
	if s.Retry.MaxDelay == 0 {
		s.Retry.MaxDelay = 30 * time.Second
	}
	if s.Rate.Requests > 0 && s.Rate.Interval == 0 {
		s.Rate.Interval = time.Minute
	}
	if s.API != nil {
		if s.API.Pagination == "" {
			s.API.Pagination = "page"
		}
		if s.API.DateFormat == "" {
			s.API.DateFormat = "2006-01-02"
		}
	}
	if s.Rendered != nil {
		if s.Rendered.SettleTimeout == 0 {
			s.Rendered.SettleTimeout = 10 * time.Second
		}
		if s.Rendered.FirstPage == 0 {
			s.Rendered.FirstPage = 1
		}
	}
}

func describe(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Errorf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.Join(msgs...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
