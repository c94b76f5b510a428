package filter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/3scale/cache-filter/pkg/domain"
)

// Request metadata header names.
const (
	HeaderServiceToken = "x-3scale-service-token"
	HeaderServiceId    = "x-3scale-service-id"
	HeaderUsages       = "x-3scale-usages"
	HeaderClusterName  = "x-3scale-cluster-name"
	HeaderUpstreamURL  = "x-3scale-upstream-url"
	HeaderTimeout      = "x-3scale-timeout"
	HeaderUserKey      = "x-3scale-user-key"
	HeaderAppId        = "x-3scale-app-id"
)

// ErrRequestMetadata is returned by parseRequestMetadata for any missing or
// malformed header; the caller responds 401.
type ErrRequestMetadata struct {
	Reason string
}

func (e ErrRequestMetadata) Error() string {
	return fmt.Sprintf("filter: request metadata error: %s", e.Reason)
}

// parseRequestMetadata parses the inbound headers into a ThreescaleData
// and the requested AppIdentifier.
func parseRequestMetadata(r *http.Request) (domain.ThreescaleData, error) {
	token := r.Header.Get(HeaderServiceToken)
	service := r.Header.Get(HeaderServiceId)
	usagesRaw := r.Header.Get(HeaderUsages)
	cluster := r.Header.Get(HeaderClusterName)
	upstream := r.Header.Get(HeaderUpstreamURL)
	userKey := r.Header.Get(HeaderUserKey)
	appIdRaw := r.Header.Get(HeaderAppId)

	if token == "" {
		return domain.ThreescaleData{}, ErrRequestMetadata{Reason: "missing " + HeaderServiceToken}
	}
	if service == "" {
		return domain.ThreescaleData{}, ErrRequestMetadata{Reason: "missing " + HeaderServiceId}
	}
	if usagesRaw == "" {
		return domain.ThreescaleData{}, ErrRequestMetadata{Reason: "missing " + HeaderUsages}
	}
	if cluster == "" {
		return domain.ThreescaleData{}, ErrRequestMetadata{Reason: "missing " + HeaderClusterName}
	}
	if upstream == "" {
		return domain.ThreescaleData{}, ErrRequestMetadata{Reason: "missing " + HeaderUpstreamURL}
	}
	if (userKey == "") == (appIdRaw == "") {
		return domain.ThreescaleData{}, ErrRequestMetadata{Reason: "exactly one of " + HeaderUserKey + " or " + HeaderAppId + " is required"}
	}

	var usages map[string]int64
	if err := json.Unmarshal([]byte(usagesRaw), &usages); err != nil {
		return domain.ThreescaleData{}, ErrRequestMetadata{Reason: "malformed " + HeaderUsages + ": " + err.Error()}
	}

	parsedURL, err := url.Parse(upstream)
	if err != nil || parsedURL.Host == "" {
		return domain.ThreescaleData{}, ErrRequestMetadata{Reason: "malformed " + HeaderUpstreamURL}
	}

	var timeoutMs int64 = 5000
	if raw := r.Header.Get(HeaderTimeout); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.ThreescaleData{}, ErrRequestMetadata{Reason: "malformed " + HeaderTimeout}
		}
		timeoutMs = parsed
	}

	var identifier domain.AppIdentifier
	if userKey != "" {
		identifier = domain.NewUserKeyIdentifier(domain.UserKey(userKey))
	} else {
		id, key := splitAppId(appIdRaw)
		identifier = domain.NewAppIdIdentifier(domain.AppId(id), domain.AppKey(key))
	}

	return domain.ThreescaleData{
		AppId:        identifier,
		ServiceId:    domain.ServiceId(service),
		ServiceToken: domain.ServiceToken(token),
		Metrics:      usages,
		Upstream: domain.UpstreamSpec{
			ClusterName: cluster,
			UpstreamURL: upstream,
			TimeoutMs:   timeoutMs,
		},
	}, nil
}

// splitAppId splits the "app_id" or "app_id:app_key" header form.
func splitAppId(raw string) (id, key string) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}
