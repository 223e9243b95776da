package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrSnakeDoc/autostartstop/internal/backoff"
	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
	"github.com/MrSnakeDoc/autostartstop/internal/utils"
)

const (
	ModeInstanceAndServer = "instance_and_server"
	ModeServer            = "server"

	defaultInstanceStartTimeout = 30 * time.Second
)

// AMP drives an instance through the ADS controller's JSON API. Instance
// calls are proxied by ADS under ADSModule/Servers/{id}/API/.
type AMP struct {
	baseURL    string
	username   string
	password   string
	token      string
	rememberMe bool

	instance             string
	startMode            string
	stopMode             string
	instanceStartTimeout time.Duration

	http   *http.Client
	logger logger.Logger
	now    func() time.Time
	ready  backoff.Policy

	loginMu sync.Mutex
	mu      sync.Mutex
	// guarded by mu
	adsSession      string
	instanceSession string
	instanceID      string
	instanceName    string
}

func NewAMP(api domain.ControlAPI, client *http.Client, log logger.Logger) (*AMP, error) {
	switch {
	case strings.TrimSpace(api.ADSURL) == "":
		return nil, domain.NewConfigError("", "control_api.ads_url", "required for amp")
	case api.Username == "":
		return nil, domain.NewConfigError("", "control_api.username", "required for amp")
	case api.InstanceID == "":
		return nil, domain.NewConfigError("", "control_api.instance_id", "required for amp")
	}

	startMode, err := ampMode("control_api.start_mode", api.StartMode, ModeInstanceAndServer)
	if err != nil {
		return nil, err
	}
	stopMode, err := ampMode("control_api.stop_mode", api.StopMode, ModeServer)
	if err != nil {
		return nil, err
	}

	timeout := api.InstanceStartTimeout
	if timeout <= 0 {
		timeout = defaultInstanceStartTimeout
	}

	return &AMP{
		baseURL:              strings.TrimRight(api.ADSURL, "/"),
		username:             api.Username,
		password:             api.Password,
		token:                api.Token,
		rememberMe:           api.RememberMe,
		instance:             api.InstanceID,
		startMode:            startMode,
		stopMode:             stopMode,
		instanceStartTimeout: timeout,
		http:                 client,
		logger:               log,
		now:                  time.Now,
		ready:                backoff.New(500*time.Millisecond, 5*time.Second, 0),
	}, nil
}

func ampMode(field, v, def string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return def, nil
	case ModeInstanceAndServer:
		return ModeInstanceAndServer, nil
	case ModeServer:
		return ModeServer, nil
	default:
		return "", domain.NewConfigError("", field, "unknown mode %q", v)
	}
}

func (a *AMP) Execute(ctx context.Context, cmd domain.ControlCommand) (domain.StatusPayload, error) {
	if err := a.resolveInstance(ctx); err != nil {
		return domain.StatusPayload{}, err
	}

	switch cmd.Action {
	case domain.ActionStart:
		return domain.StatusPayload{}, a.start(ctx)
	case domain.ActionStop:
		return domain.StatusPayload{}, a.stop(ctx)
	case domain.ActionStatus:
		return a.status(ctx)
	default:
		return domain.StatusPayload{}, domain.NewControlError(domain.ErrUnknown, fmt.Errorf("unsupported action %q", cmd.Action))
	}
}

func (a *AMP) start(ctx context.Context) error {
	if a.startMode == ModeInstanceAndServer {
		var res ampActionResult
		if err := a.adsCall(ctx, "ADSModule/StartInstance", map[string]any{"InstanceName": a.name()}, &res); err != nil {
			return err
		}
		if err := res.err("start instance"); err != nil {
			return err
		}
		a.waitInstanceReady(ctx)
	}

	var res ampActionResult
	if err := a.instanceCall(ctx, "Core/Start", nil, &res); err != nil {
		return err
	}
	return res.err("start")
}

func (a *AMP) stop(ctx context.Context) error {
	if a.stopMode == ModeInstanceAndServer {
		var res ampActionResult
		if err := a.adsCall(ctx, "ADSModule/StopInstance", map[string]any{"InstanceName": a.name()}, &res); err != nil {
			return err
		}
		a.mu.Lock()
		a.instanceSession = ""
		a.mu.Unlock()
		return res.err("stop instance")
	}
	return a.instanceCall(ctx, "Core/Stop", nil, nil)
}

type ampStatus struct {
	State int `json:"State"`
}

func (a *AMP) status(ctx context.Context) (domain.StatusPayload, error) {
	if _, err := a.instanceSessionFor(ctx); err != nil {
		// A stopped instance refuses logins; ADS itself answered.
		kind := domain.ControlErrorKind(err)
		if kind == domain.ErrUnreachable || kind == domain.ErrUnknown {
			a.logger.Debug("amp instance not accepting logins, reporting offline", logger.Error(err))
			return domain.StatusPayload{State: domain.PanelOffline, Raw: "instance_offline"}, nil
		}
		return domain.StatusPayload{}, err
	}

	var st ampStatus
	if err := a.instanceCall(ctx, "Core/GetStatus", nil, &st); err != nil {
		return domain.StatusPayload{}, err
	}
	return domain.StatusPayload{State: ampState(st.State), Raw: fmt.Sprintf("%d", st.State)}, nil
}

// ─────────────────────────────────────────────────────────────────
// Instance lookup
// ─────────────────────────────────────────────────────────────────

type ampInstance struct {
	InstanceID   string `json:"InstanceID"`
	InstanceName string `json:"InstanceName"`
}

type ampTarget struct {
	AvailableInstances []ampInstance `json:"AvailableInstances"`
}

func (a *AMP) resolveInstance(ctx context.Context) error {
	a.mu.Lock()
	done := a.instanceID != ""
	a.mu.Unlock()
	if done {
		return nil
	}

	var targets []ampTarget
	if err := a.adsCall(ctx, "ADSModule/GetInstances", nil, &targets); err != nil {
		return err
	}

	_, uuidErr := uuid.Parse(a.instance)
	for _, t := range targets {
		for _, inst := range t.AvailableInstances {
			byID := uuidErr == nil && strings.EqualFold(inst.InstanceID, a.instance)
			if byID || inst.InstanceName == a.instance {
				a.mu.Lock()
				a.instanceID = inst.InstanceID
				a.instanceName = inst.InstanceName
				a.mu.Unlock()
				a.logger.Debug("amp instance resolved",
					logger.String("instance_id", inst.InstanceID),
					logger.String("instance_name", inst.InstanceName))
				return nil
			}
		}
	}
	return domain.NewControlError(domain.ErrServerNotFound, fmt.Errorf("instance %q not found in ADS", a.instance))
}

func (a *AMP) name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instanceName
}

func (a *AMP) instancePrefix() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return "ADSModule/Servers/" + a.instanceID + "/API/"
}

// waitInstanceReady polls the instance login until it succeeds or the
// configured timeout passes. Giving up is not an error: the start call that
// follows reports the real outcome.
func (a *AMP) waitInstanceReady(ctx context.Context) {
	deadline := a.now().Add(a.instanceStartTimeout)
	seq := a.ready.Sequence()

	for {
		if _, err := a.instanceSessionFor(ctx); err == nil {
			return
		}
		wait := seq.Next()
		if a.now().Add(wait).After(deadline) {
			a.logger.Warn("amp instance not login-ready before timeout, proceeding",
				logger.Duration("timeout", a.instanceStartTimeout),
				logger.Int("attempts", seq.Attempt()))
			return
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// ─────────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────────

type ampLoginResult struct {
	Success      bool   `json:"success"`
	SessionID    string `json:"sessionID"`
	ResultReason string `json:"resultReason"`
}

func (a *AMP) login(ctx context.Context, prefix string) (string, error) {
	params := map[string]any{
		"username":   a.username,
		"password":   a.password,
		"token":      a.token,
		"rememberMe": a.rememberMe,
	}
	var res ampLoginResult
	if err := a.call(ctx, prefix+"Core/Login", "", params, &res); err != nil {
		return "", err
	}
	if !res.Success || res.SessionID == "" {
		return "", domain.NewControlError(domain.ErrUnauthorized, fmt.Errorf("login refused: %s", res.ResultReason))
	}
	return res.SessionID, nil
}

func (a *AMP) adsSessionFor(ctx context.Context) (string, error) {
	a.loginMu.Lock()
	defer a.loginMu.Unlock()

	a.mu.Lock()
	s := a.adsSession
	a.mu.Unlock()
	if s != "" {
		return s, nil
	}

	s, err := a.login(ctx, "")
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.adsSession = s
	a.mu.Unlock()
	a.logger.Debug("amp ads session established")
	return s, nil
}

func (a *AMP) instanceSessionFor(ctx context.Context) (string, error) {
	if _, err := a.adsSessionFor(ctx); err != nil {
		return "", err
	}

	a.loginMu.Lock()
	defer a.loginMu.Unlock()

	a.mu.Lock()
	s := a.instanceSession
	a.mu.Unlock()
	if s != "" {
		return s, nil
	}

	s, err := a.login(ctx, a.instancePrefix())
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.instanceSession = s
	a.mu.Unlock()
	return s, nil
}

func (a *AMP) adsCall(ctx context.Context, method string, params map[string]any, out any) error {
	for attempt := 0; ; attempt++ {
		s, err := a.adsSessionFor(ctx)
		if err != nil {
			return err
		}
		err = a.call(ctx, method, s, params, out)
		if attempt == 0 && domain.ControlErrorKind(err) == domain.ErrUnauthorized {
			a.mu.Lock()
			a.adsSession = ""
			a.instanceSession = ""
			a.mu.Unlock()
			continue
		}
		return err
	}
}

func (a *AMP) instanceCall(ctx context.Context, method string, params map[string]any, out any) error {
	for attempt := 0; ; attempt++ {
		s, err := a.instanceSessionFor(ctx)
		if err != nil {
			return err
		}
		err = a.call(ctx, a.instancePrefix()+method, s, params, out)
		if attempt == 0 && domain.ControlErrorKind(err) == domain.ErrUnauthorized {
			a.mu.Lock()
			a.instanceSession = ""
			a.mu.Unlock()
			continue
		}
		return err
	}
}

// call posts one API method. A nil out discards the response body.
func (a *AMP) call(ctx context.Context, method, session string, params map[string]any, out any) error {
	body := make(map[string]any, len(params)+1)
	for k, v := range params {
		body[k] = v
	}
	body["SESSIONID"] = session

	payload, err := json.Marshal(body)
	if err != nil {
		return domain.NewControlError(domain.ErrUnknown, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/API/"+method, bytes.NewReader(payload))
	if err != nil {
		return domain.NewControlError(domain.ErrUnknown, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer utils.Close(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return statusError(resp, a.now())
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewControlError(domain.ErrUnknown, fmt.Errorf("decode %s: %w", method, err))
	}
	return nil
}

type ampActionResult struct {
	Status bool   `json:"Status"`
	Reason string `json:"Reason"`
}

func (r ampActionResult) err(what string) error {
	if r.Status {
		return nil
	}
	return domain.NewControlError(domain.ErrUnknown, errors.New(what+" refused: "+r.Reason))
}

// ampState maps the ApplicationState enum.
func ampState(v int) domain.PanelState {
	switch v {
	case 0, 50:
		return domain.PanelOffline
	case 5, 7, 10, 30:
		return domain.PanelStarting
	case 20:
		return domain.PanelOnline
	case 40, 45:
		return domain.PanelStopping
	case 100:
		return domain.PanelFailed
	default:
		return domain.PanelUnknown
	}
}
