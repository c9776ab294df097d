package soar

import (
	"context"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// EnrichIOCAction classifies an indicator of compromise and annotates
// it with locally derivable facts. External reputation lookups belong
// in a call_webhook step against the deployment's intel service; this
// action gives every playbook a dependency-free baseline.
type EnrichIOCAction struct {
	logger *zap.SugaredLogger
}

func NewEnrichIOCAction(logger *zap.SugaredLogger) *EnrichIOCAction {
	return &EnrichIOCAction{logger: logger}
}

func (a *EnrichIOCAction) ID() string { return "enrich_ioc" }
func (a *EnrichIOCAction) Description() string {
	return "Classifies and annotates an indicator of compromise"
}
func (a *EnrichIOCAction) DefaultTimeout() time.Duration { return 10 * time.Second }

func (a *EnrichIOCAction) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"value"},
		"properties": map[string]interface{}{
			"value": map[string]interface{}{"type": "string", "minLength": 1},
			"type": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"ip", "domain", "url", "file_hash"},
			},
		},
	}
}

var (
	md5Pattern    = regexp.MustCompile(`^[a-fA-F0-9]{32}$`)
	sha1Pattern   = regexp.MustCompile(`^[a-fA-F0-9]{40}$`)
	sha256Pattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
	domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
)

func (a *EnrichIOCAction) Execute(ctx context.Context, input map[string]interface{}, ec *ExecutionContext) (map[string]interface{}, error) {
	value, _ := input["value"].(string)
	value = strings.TrimSpace(value)

	iocType, _ := input["type"].(string)
	if iocType == "" {
		iocType = classifyIOC(value)
	}
	if iocType == "" {
		return nil, NewPermanentError("cannot classify indicator %q", value)
	}

	out := map[string]interface{}{
		"value":       value,
		"type":        iocType,
		"enriched_at": time.Now().UTC().Format(time.RFC3339),
	}

	switch iocType {
	case "ip":
		ip := net.ParseIP(value)
		if ip == nil {
			return nil, NewPermanentError("invalid IP address %q", value)
		}
		out["version"] = 4
		if ip.To4() == nil {
			out["version"] = 6
		}
		out["private"] = ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
	case "domain":
		parts := strings.Split(value, ".")
		out["tld"] = parts[len(parts)-1]
		out["subdomain_depth"] = len(parts) - 2
	case "url":
		u, err := url.Parse(value)
		if err != nil {
			return nil, NewPermanentError("invalid URL %q: %v", value, err)
		}
		out["scheme"] = u.Scheme
		out["host"] = u.Hostname()
		out["path"] = u.Path
	case "file_hash":
		switch {
		case md5Pattern.MatchString(value):
			out["algorithm"] = "md5"
		case sha1Pattern.MatchString(value):
			out["algorithm"] = "sha1"
		case sha256Pattern.MatchString(value):
			out["algorithm"] = "sha256"
		default:
			return nil, NewPermanentError("unrecognized hash length for %q", value)
		}
		out["normalized"] = strings.ToLower(value)
	}

	a.logger.Debugw("Enriched IOC",
		"type", iocType,
		"execution_id", ec.ExecutionID)
	return out, nil
}

func classifyIOC(value string) string {
	if net.ParseIP(value) != nil {
		return "ip"
	}
	if md5Pattern.MatchString(value) || sha1Pattern.MatchString(value) || sha256Pattern.MatchString(value) {
		return "file_hash"
	}
	if strings.Contains(value, "://") {
		return "url"
	}
	if domainPattern.MatchString(value) {
		return "domain"
	}
	return ""
}
