package setup

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Flows accepted by onboarding.
var Flows = []string{"quickstart", "advanced", "manual"}

// authSecretFlags maps every auth choice that needs a secret to the onboard
// flag carrying it.
var authSecretFlags = map[string]string{
	"openai-api-key":        "--openai-api-key",
	"apiKey":                "--anthropic-api-key",
	"openrouter-api-key":    "--openrouter-api-key",
	"gemini-api-key":        "--gemini-api-key",
	"ai-gateway-api-key":    "--ai-gateway-api-key",
	"moonshot-api-key":      "--moonshot-api-key",
	"kimi-code-api-key":     "--kimi-code-api-key",
	"zai-api-key":           "--zai-api-key",
	"minimax-api":           "--minimax-api-key",
	"minimax-api-lightning": "--minimax-api-key",
	"synthetic-api-key":     "--synthetic-api-key",
	"opencode-zen":          "--opencode-zen-api-key",
	"token":                 "--token",
}

// RequiresSecret reports whether authChoice can only be used with a secret.
func RequiresSecret(authChoice string) bool {
	_, ok := authSecretFlags[authChoice]
	return ok
}

// Payload is the body of POST /setup/api/run.
type Payload struct {
	Flow       string `json:"flow"`
	AuthChoice string `json:"authChoice"`
	AuthSecret string `json:"authSecret"`
	Model      string `json:"model,omitempty"`

	TelegramToken string `json:"telegramToken,omitempty"`
	DiscordToken  string `json:"discordToken,omitempty"`
	SlackBotToken string `json:"slackBotToken,omitempty"`
	SlackAppToken string `json:"slackAppToken,omitempty"`
}

// ValidationError is a payload problem the caller can fix.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ValidatePayload normalizes p in place and rejects invalid combinations. An
// auth choice that requires a secret is refused without one, naming what is
// missing rather than failing later inside onboarding.
func ValidatePayload(p *Payload) error {
	p.Flow = strings.TrimSpace(p.Flow)
	p.AuthChoice = strings.TrimSpace(p.AuthChoice)
	p.AuthSecret = strings.TrimSpace(p.AuthSecret)

	if p.Flow == "" {
		p.Flow = "quickstart"
	}
	if !slices.Contains(Flows, p.Flow) {
		return &ValidationError{
			Field:   "flow",
			Message: fmt.Sprintf("invalid flow %q (expected one of %s)", p.Flow, strings.Join(Flows, ", ")),
		}
	}
	if RequiresSecret(p.AuthChoice) && p.AuthSecret == "" {
		return &ValidationError{
			Field:   "authSecret",
			Message: fmt.Sprintf("auth choice %q requires an API key or token", p.AuthChoice),
		}
	}
	if p.SlackBotToken != "" && p.SlackAppToken == "" || p.SlackBotToken == "" && p.SlackAppToken != "" {
		return &ValidationError{
			Field:   "slackAppToken",
			Message: "slack needs both a bot token and an app token",
		}
	}
	return nil
}

// OnboardParams are the supervisor-owned values passed to onboarding.
type OnboardParams struct {
	WorkspaceDir string
	Port         int
	Token        string
}

// OnboardArgs builds the non-interactive `onboard` arguments for p.
func OnboardArgs(p *Payload, params OnboardParams) []string {
	args := []string{
		"--non-interactive",
		"--accept-risk",
		"--json",
		"--no-install-daemon",
		"--skip-health",
		"--flow", p.Flow,
		"--workspace", params.WorkspaceDir,
		"--gateway-bind", "loopback",
		"--gateway-port", strconv.Itoa(params.Port),
		"--gateway-auth", "token",
		"--gateway-token", params.Token,
	}
	if p.AuthChoice != "" {
		args = append(args, "--auth-choice", p.AuthChoice)
		if flag, ok := authSecretFlags[p.AuthChoice]; ok && p.AuthSecret != "" {
			args = append(args, flag, p.AuthSecret)
		}
	}
	return args
}

// ConfigSetting is one `config set` call made after onboarding. JSON values
// are passed with --json.
type ConfigSetting struct {
	Key   string
	Value any
	JSON  bool
}

// PostOnboardSettings returns the config the supervisor enforces after
// onboarding, plus the optional chat channel settings from p.
func PostOnboardSettings(p *Payload, params OnboardParams) []ConfigSetting {
	settings := []ConfigSetting{
		{Key: "gateway.auth.mode", Value: "token"},
		{Key: "gateway.auth.token", Value: params.Token},
		{Key: "gateway.bind", Value: "loopback"},
		{Key: "gateway.port", Value: strconv.Itoa(params.Port)},
		// The supervisor proxies from loopback; without this the gateway
		// would see every client as 127.0.0.1.
		{Key: "gateway.trustedProxies", Value: []string{"127.0.0.1"}, JSON: true},
	}
	if p.Model != "" {
		settings = append(settings, ConfigSetting{Key: "agents.defaults.model", Value: p.Model})
	}
	if p.TelegramToken != "" {
		settings = append(settings, ConfigSetting{
			Key:   "channels.telegram",
			Value: map[string]any{"enabled": true, "dmPolicy": "pairing", "botToken": p.TelegramToken},
			JSON:  true,
		})
	}
	if p.DiscordToken != "" {
		settings = append(settings, ConfigSetting{
			Key:   "channels.discord",
			Value: map[string]any{"enabled": true, "token": p.DiscordToken, "dm": map[string]any{"policy": "pairing"}},
			JSON:  true,
		})
	}
	if p.SlackBotToken != "" {
		settings = append(settings, ConfigSetting{
			Key:   "channels.slack",
			Value: map[string]any{"enabled": true, "botToken": p.SlackBotToken, "appToken": p.SlackAppToken},
			JSON:  true,
		})
	}
	return settings
}
