package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "callbell/pkg/logx"
)

const (
	defaultStudioBaseURL = "https://studio.twilio.com"
	defaultAPIBaseURL    = "https://api.twilio.com"
	defaultTimeout       = 10 * time.Second

	// Twilio error codes this gateway distinguishes.
	codeAlreadyActive = 20409 // execution already active for this contact
	codeFlowNotFound  = 20404 // resource not found / flow inactive
	codeInvalidNumber = 21211 // invalid "To" phone number
)

type Config struct {
	AccountSID    string
	AuthToken     string
	FromNumber    string
	FlowSID       string
	StudioBaseURL string
	APIBaseURL    string
	Timeout       time.Duration
	RatePerSec    int
}

// Twilio drives a Twilio Studio flow execution per reminder call.
type Twilio struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewTwilio(cfg Config, log logx.Logger) *Twilio {
	if strings.TrimSpace(cfg.StudioBaseURL) == "" {
		cfg.StudioBaseURL = defaultStudioBaseURL
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Twilio{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}
}

func (t *Twilio) configured() error {
	switch {
	case strings.TrimSpace(t.cfg.AccountSID) == "":
		return errors.New("voice: missing account SID")
	case strings.TrimSpace(t.cfg.AuthToken) == "":
		return errors.New("voice: missing auth token")
	case strings.TrimSpace(t.cfg.FromNumber) == "":
		return errors.New("voice: missing from number")
	case strings.TrimSpace(t.cfg.FlowSID) == "":
		return errors.New("voice: missing flow SID")
	}
	return nil
}

type executionResponse struct {
	SID string `json:"sid"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *Twilio) PlaceCall(ctx context.Context, toNumber string, r Reminder) Outcome {
	if err := t.configured(); err != nil {
		t.log.Error("voice gateway misconfigured", logx.Err(err))
		return OutcomeUnconfigured
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return OutcomeUnavailable
	}

	params, _ := json.Marshal(map[string]string{
		"eventName": r.EventName,
		"eventTime": r.EventTime.Local().Format("3:04 PM on Monday, January 2"),
		"userName":  r.UserName,
	})

	form := url.Values{}
	form.Set("To", toNumber)
	form.Set("From", t.cfg.FromNumber)
	form.Set("Parameters", string(params))

	endpoint := fmt.Sprintf("%s/v2/Flows/%s/Executions",
		strings.TrimSuffix(t.cfg.StudioBaseURL, "/"), t.cfg.FlowSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		t.log.Error("voice request build failed", logx.Err(err))
		return OutcomeUnavailable
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)

	resp, err := t.client.Do(req)
	if err != nil {
		// Timeouts and transport failures are transient by definition here.
		t.log.Warn("voice call transport failure", logx.String("to", toNumber), logx.Err(err))
		return OutcomeUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK {
		var exec executionResponse
		_ = json.NewDecoder(resp.Body).Decode(&exec)
		t.log.Info("reminder call initiated",
			logx.String("to", toNumber),
			logx.String("execution_sid", exec.SID),
			logx.String("event", r.EventName))
		return OutcomePlaced
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case apiErr.Code == codeAlreadyActive ||
		strings.Contains(strings.ToLower(apiErr.Message), "already active"):
		t.log.Info("skipping call, execution already active", logx.String("to", toNumber))
		return OutcomeAlreadyActive
	case apiErr.Code == codeFlowNotFound:
		t.log.Error("call flow not found or inactive",
			logx.String("flow_sid", t.cfg.FlowSID), logx.Int("code", apiErr.Code))
		return OutcomeFlowNotFound
	case apiErr.Code == codeInvalidNumber:
		t.log.Error("invalid destination number",
			logx.String("to", toNumber), logx.Int("code", apiErr.Code))
		return OutcomeInvalidNumber
	}

	t.log.Warn("voice call failed",
		logx.String("to", toNumber),
		logx.Int("status", resp.StatusCode),
		logx.Int("code", apiErr.Code),
		logx.String("message", apiErr.Message))
	return OutcomeUnavailable
}

// TestConnectivity verifies credentials by fetching the account record.
// It never places a call.
func (t *Twilio) TestConnectivity(ctx context.Context) error {
	if err := t.configured(); err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s.json",
		strings.TrimSuffix(t.cfg.APIBaseURL, "/"), t.cfg.AccountSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("voice connectivity check: status %d", resp.StatusCode)
	}
	return nil
}
