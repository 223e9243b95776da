package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
	"github.com/MrSnakeDoc/autostartstop/internal/utils"
)

const pterodactylAccept = "Application/vnd.pterodactyl.v1+json"

// Pterodactyl drives a server through the panel's client API.
type Pterodactyl struct {
	baseURL  string
	apiKey   string
	serverID string
	http     *http.Client
	logger   logger.Logger
	now      func() time.Time
}

func NewPterodactyl(api domain.ControlAPI, client *http.Client, log logger.Logger) (*Pterodactyl, error) {
	switch {
	case strings.TrimSpace(api.PanelURL) == "":
		return nil, domain.NewConfigError("", "control_api.panel_url", "required for pterodactyl")
	case api.APIKey == "":
		return nil, domain.NewConfigError("", "control_api.api_key", "required for pterodactyl")
	case api.ServerID == "":
		return nil, domain.NewConfigError("", "control_api.server_id", "required for pterodactyl")
	}

	return &Pterodactyl{
		baseURL:  strings.TrimRight(api.PanelURL, "/"),
		apiKey:   api.APIKey,
		serverID: api.ServerID,
		http:     client,
		logger:   log,
		now:      time.Now,
	}, nil
}

func (p *Pterodactyl) Execute(ctx context.Context, cmd domain.ControlCommand) (domain.StatusPayload, error) {
	switch cmd.Action {
	case domain.ActionStart, domain.ActionStop:
		return domain.StatusPayload{}, p.power(ctx, string(cmd.Action))
	case domain.ActionStatus:
		return p.status(ctx)
	default:
		return domain.StatusPayload{}, domain.NewControlError(domain.ErrUnknown, fmt.Errorf("unsupported action %q", cmd.Action))
	}
}

func (p *Pterodactyl) power(ctx context.Context, signal string) error {
	body, err := json.Marshal(map[string]string{"signal": signal})
	if err != nil {
		return domain.NewControlError(domain.ErrUnknown, err)
	}

	resp, err := p.do(ctx, http.MethodPost, "/power", body)
	if err != nil {
		return err
	}
	defer utils.Close(resp.Body)

	// Power endpoint answers 204 on success.
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		p.logger.Debug("pterodactyl power signal accepted", logger.String("signal", signal))
		return nil
	}

	ce := statusError(resp, p.now())
	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity {
		// Wrong state for the signal, e.g. start on a running server.
		ce.Err = fmt.Errorf("panel refused %s: %s", signal, readPterodactylError(resp.Body))
	}
	return ce
}

type pterodactylResources struct {
	Attributes struct {
		CurrentState string `json:"current_state"`
	} `json:"attributes"`
}

func (p *Pterodactyl) status(ctx context.Context) (domain.StatusPayload, error) {
	resp, err := p.do(ctx, http.MethodGet, "/resources", nil)
	if err != nil {
		return domain.StatusPayload{}, err
	}
	defer utils.Close(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return domain.StatusPayload{}, statusError(resp, p.now())
	}

	var res pterodactylResources
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return domain.StatusPayload{}, domain.NewControlError(domain.ErrUnknown, fmt.Errorf("decode resources: %w", err))
	}

	raw := res.Attributes.CurrentState
	return domain.StatusPayload{State: pterodactylState(raw), Raw: raw}, nil
}

func (p *Pterodactyl) do(ctx context.Context, method, suffix string, body []byte) (*http.Response, error) {
	url := fmt.Sprintf("%s/api/client/servers/%s%s", p.baseURL, p.serverID, suffix)

	var rdr io.Reader = http.NoBody
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, domain.NewControlError(domain.ErrUnknown, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", pterodactylAccept)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	return resp, nil
}

func pterodactylState(s string) domain.PanelState {
	switch strings.ToLower(s) {
	case "running":
		return domain.PanelOnline
	case "starting":
		return domain.PanelStarting
	case "stopping":
		return domain.PanelStopping
	case "offline":
		return domain.PanelOffline
	default:
		return domain.PanelUnknown
	}
}

type pterodactylErrors struct {
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func readPterodactylError(r io.Reader) string {
	var e pterodactylErrors
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&e); err != nil || len(e.Errors) == 0 {
		return "no detail"
	}
	if e.Errors[0].Detail != "" {
		return e.Errors[0].Detail
	}
	return e.Errors[0].Code
}
