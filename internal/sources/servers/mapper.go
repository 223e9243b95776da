package servers

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/schedule"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Mapper converts a parsed servers file into validated domain servers.
type Mapper struct{}

// NewMapper creates a new mapper instance
func NewMapper() *Mapper {
	return &Mapper{}
}

// MapServers merges defaults into every entry and validates the result.
// All problems are reported at once as joined *domain.ConfigError values.
func (m *Mapper) MapServers(file File) ([]domain.ManagedServer, error) {
	if len(file.Servers) == 0 {
		return nil, domain.NewConfigError("", "servers", "no servers defined")
	}

	ids := make([]string, 0, len(file.Servers))
	for id := range file.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		errs   []error
		out    = make([]domain.ManagedServer, 0, len(ids))
		folded = make(map[string]string, len(ids))
	)
	for _, id := range ids {
		if !validID.MatchString(id) {
			errs = append(errs, domain.NewConfigError(id, "id", "must match %s", validID.String()))
			continue
		}
		key := strings.ToLower(id)
		if other, dup := folded[key]; dup {
			errs = append(errs, domain.NewConfigError(id, "id", "duplicate of %q", other))
			continue
		}
		folded[key] = id

		srv, err := m.mapServer(id, merge(file.Servers[id], file.Defaults))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, srv)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// merge overlays spec on defaults. Nil schedules inherit, an explicit empty
// list does not.
func merge(spec, defaults ServerSpec) ServerSpec {
	if spec.Schedules == nil {
		spec.Schedules = defaults.Schedules
	}
	if spec.IdleTimeout == nil {
		spec.IdleTimeout = defaults.IdleTimeout
	}
	if spec.MinUptime == nil {
		spec.MinUptime = defaults.MinUptime
	}
	if spec.Cooldown == nil {
		spec.Cooldown = defaults.Cooldown
	}
	spec.Retry = mergeRetry(spec.Retry, defaults.Retry)

	api := make(map[string]any, len(defaults.ControlAPI)+len(spec.ControlAPI))
	for k, v := range defaults.ControlAPI {
		api[k] = v
	}
	for k, v := range spec.ControlAPI {
		api[k] = v
	}
	spec.ControlAPI = api
	return spec
}

func mergeRetry(spec, defaults *RetrySpec) *RetrySpec {
	switch {
	case spec == nil:
		return defaults
	case defaults == nil:
		return spec
	}
	out := *spec
	if out.MaxRetries == nil {
		out.MaxRetries = defaults.MaxRetries
	}
	if out.BaseDelay == nil {
		out.BaseDelay = defaults.BaseDelay
	}
	if out.MaxDelay == nil {
		out.MaxDelay = defaults.MaxDelay
	}
	if out.Jitter == nil {
		out.Jitter = defaults.Jitter
	}
	if out.RateLimitCooldown == nil {
		out.RateLimitCooldown = defaults.RateLimitCooldown
	}
	return &out
}

func (m *Mapper) mapServer(id string, spec ServerSpec) (domain.ManagedServer, error) {
	srv := domain.ManagedServer{
		ID:   id,
		Name: spec.Name,
	}
	if srv.Name == "" {
		srv.Name = id
	}
	if spec.IdleTimeout != nil {
		srv.IdleTimeout = spec.IdleTimeout.Std()
	}
	if spec.MinUptime != nil {
		srv.MinUptime = spec.MinUptime.Std()
	}
	if spec.Cooldown != nil {
		srv.Cooldown = spec.Cooldown.Std()
	}

	var errs []error

	for i, s := range spec.Schedules {
		def := domain.Schedule{
			Expression: s.Cron,
			Timezone:   s.Timezone,
			Duration:   s.Duration.Std(),
			Format:     s.Format,
		}
		if _, err := schedule.Parse(def); err != nil {
			var ce *domain.ConfigError
			if errors.As(err, &ce) {
				ce.Server = id
				ce.Field = fmt.Sprintf("schedules[%d].%s", i, strings.TrimPrefix(ce.Field, "schedule."))
			}
			errs = append(errs, err)
			continue
		}
		srv.Schedules = append(srv.Schedules, def)
	}

	retry, err := mapRetry(id, spec.Retry)
	if err != nil {
		errs = append(errs, err)
	}
	srv.Retry = retry

	api, err := mapControlAPI(id, spec.ControlAPI)
	if err != nil {
		errs = append(errs, err)
	}
	srv.ControlAPI = api

	if len(errs) > 0 {
		return domain.ManagedServer{}, errors.Join(errs...)
	}
	return srv, nil
}

func mapRetry(id string, spec *RetrySpec) (domain.RetryPolicy, error) {
	p := domain.DefaultRetryPolicy()
	if spec == nil {
		return p, nil
	}
	if spec.MaxRetries != nil {
		p.MaxRetries = *spec.MaxRetries
	}
	if spec.BaseDelay != nil {
		p.BaseDelay = spec.BaseDelay.Std()
	}
	if spec.MaxDelay != nil {
		p.MaxDelay = spec.MaxDelay.Std()
	}
	if spec.Jitter != nil {
		p.Jitter = *spec.Jitter
	}
	if spec.RateLimitCooldown != nil {
		p.RateLimitCooldown = spec.RateLimitCooldown.Std()
	}

	switch {
	case p.MaxRetries < 0:
		return p, domain.NewConfigError(id, "retry.max_retries", "must be >= 0, got %d", p.MaxRetries)
	case p.BaseDelay <= 0:
		return p, domain.NewConfigError(id, "retry.base_delay", "must be > 0")
	case p.MaxDelay < p.BaseDelay:
		return p, domain.NewConfigError(id, "retry.max_delay", "must be >= base_delay (%v), got %v", p.BaseDelay, p.MaxDelay)
	case p.Jitter < 0 || p.Jitter > 1:
		return p, domain.NewConfigError(id, "retry.jitter", "must be within [0, 1], got %v", p.Jitter)
	}
	return p, nil
}

// mapControlAPI decodes the merged raw block, rejecting unknown keys.
func mapControlAPI(id string, raw map[string]any) (domain.ControlAPI, error) {
	if len(raw) == 0 {
		return domain.ControlAPI{}, domain.NewConfigError(id, "control_api", "missing")
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return domain.ControlAPI{}, &domain.ConfigError{Server: id, Field: "control_api", Err: err}
	}
	var spec ControlAPISpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return domain.ControlAPI{}, &domain.ConfigError{Server: id, Field: "control_api", Err: err}
	}

	if strings.TrimSpace(spec.Type) == "" {
		return domain.ControlAPI{}, domain.NewConfigError(id, "control_api.type", "missing")
	}

	api := domain.ControlAPI{
		Type:             strings.ToLower(strings.TrimSpace(spec.Type)),
		PanelURL:         spec.PanelURL,
		APIKey:           spec.APIKey,
		ServerID:         spec.ServerID,
		ADSURL:           spec.ADSURL,
		Username:         spec.Username,
		Password:         spec.Password,
		Token:            spec.Token,
		RememberMe:       spec.RememberMe,
		InstanceID:       spec.Instance,
		StartMode:        spec.StartMode,
		StopMode:         spec.StopMode,
		StartCommand:     spec.StartCommand,
		StopCommand:      spec.StopCommand,
		StatusCommand:    spec.StatusCommand,
		WorkingDirectory: spec.WorkingDirectory,
		Environment:      spec.Environment,
	}
	if spec.InstanceStartTimeout != nil {
		api.InstanceStartTimeout = spec.InstanceStartTimeout.Std()
	}
	if spec.CommandTimeout != nil {
		api.CommandTimeout = spec.CommandTimeout.Std()
	}
	return api, nil
}
