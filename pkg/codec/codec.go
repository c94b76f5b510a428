// Package codec builds and parses Authorize/Report calls against the
// upstream 3scale backend. Rather than re-inventing the wire format, it is
// built directly on github.com/3scale/3scale-go-client, translating
// between this repo's own domain types and the client library's
// Request/AuthorizeResult/UsageReports shapes.
package codec

import (
	"fmt"
	"net/http"

	"github.com/3scale/3scale-go-client/threescale"
	"github.com/3scale/3scale-go-client/threescale/api"
	apisonator "github.com/3scale/3scale-go-client/threescale/http"

	"github.com/3scale/cache-filter/pkg/domain"
)

// Client wraps an upstream 3scale backend connection.
type Client struct {
	inner threescale.Client
}

// NewClient builds a Client dialing backendURL, using httpClient for
// transport (nil selects the http package's default client).
func NewClient(backendURL string, httpClient *http.Client) (*Client, error) {
	c, err := apisonator.NewClient(backendURL, httpClient)
	if err != nil {
		return nil, fmt.Errorf("codec: failed to build backend client for %s: %s", backendURL, err.Error())
	}
	return &Client{inner: c}, nil
}

// Peer returns the hostname of the connected backend, for metrics labels.
func (c *Client) Peer() string {
	return c.inner.GetPeer()
}

// AuthorizeStatus is the parsed outcome of an Authorize call: authorized
// with usage reports, denied with a reason, or a hard failure.
type AuthorizeStatus struct {
	// Authorized reflects whether the call was accepted. Denied+no usage
	// reports is surfaced via Denied==true, Authorized==false.
	Authorized   bool
	Denied       bool
	Reason       string
	AppId        domain.AppId
	ServiceId    domain.ServiceId
	AppKeys      []domain.AppKey
	UsageReports map[string]domain.UsageReport
	Hierarchy    domain.Hierarchy
}


// BuildAuthorize builds and dispatches a blanket Authorize request: no
// usage is reported, but the hierarchy and app_keys extensions are
// requested so the caller can build a fresh Application from the response.
func (c *Client) BuildAuthorize(data domain.ThreescaleData, token domain.ServiceToken) (AuthorizeStatus, error) {
	req := threescale.Request{
		Auth: api.ClientAuth{
			Type:  api.ServiceToken,
			Value: string(token),
		},
		Extensions: api.Extensions{
			api.HierarchyExtension: "1",
		},
		Service: api.Service(data.ServiceId),
		Transactions: []api.Transaction{
			{Params: paramsFor(data.AppId)},
		},
	}

	resp, err := c.inner.Authorize(req)
	if err != nil {
		return AuthorizeStatus{}, fmt.Errorf("codec: authorize call failed: %s", err.Error())
	}
	return parseAuthorizeResult(resp, data.AppId, data.ServiceId), nil
}

// BuildReport builds and dispatches a bulk Report request covering every
// app's accumulated metrics for one service, with the flat-usage
// extension enabled.
func (c *Client) BuildReport(service domain.ServiceId, token domain.ServiceToken, perApp map[domain.AppIdentifier]map[string]int64) error {
	transactions := make([]api.Transaction, 0, len(perApp))
	for appID, metrics := range perApp {
		txMetrics := api.Metrics{}
		for metric, hits := range metrics {
			txMetrics.Add(metric, int(hits))
		}
		transactions = append(transactions, api.Transaction{
			Metrics: txMetrics,
			Params:  paramsFor(appID),
		})
	}

	req := threescale.Request{
		Auth: api.ClientAuth{
			Type:  api.ServiceToken,
			Value: string(token),
		},
		Extensions: api.Extensions{
			api.FlatUsageExtension: "1",
		},
		Service:      api.Service(service),
		Transactions: transactions,
	}

	if _, err := c.inner.Report(req); err != nil {
		return fmt.Errorf("codec: report call failed: %s", err.Error())
	}
	return nil
}

func paramsFor(id domain.AppIdentifier) api.Params {
	if id.IsUserKey() {
		return api.Params{UserKey: string(id.UserKey)}
	}
	return api.Params{AppID: string(id.AppId), AppKey: string(id.AppKey)}
}

func parseAuthorizeResult(resp *threescale.AuthorizeResult, appID domain.AppIdentifier, service domain.ServiceId) AuthorizeStatus {
	status := AuthorizeStatus{
		Authorized: resp.Authorized,
		Reason:     resp.ErrorCode,
		AppId:      appID.AppId,
		ServiceId:  service,
	}

	// When the transaction was addressed by user_key, the backend echoes the
	// resolved application back in its own <application> block so the caller
	// can record the user_key -> app_id mapping.
	if appID.IsUserKey() && resp.Application.ID != "" {
		status.AppId = domain.AppId(resp.Application.ID)
		for _, k := range resp.Application.Keys {
			status.AppKeys = append(status.AppKeys, domain.AppKey(k))
		}
	}

	if !resp.Authorized && len(resp.UsageReports) == 0 {
		status.Denied = true
		return status
	}

	status.Hierarchy = make(domain.Hierarchy, len(resp.AuthorizeExtensions.Hierarchy))
	for parent, children := range resp.AuthorizeExtensions.Hierarchy {
		status.Hierarchy[parent] = append([]string(nil), children...)
	}

	status.UsageReports = make(map[string]domain.UsageReport, len(resp.UsageReports))
	for metric, reports := range resp.UsageReports {
		if len(reports) == 0 {
			continue
		}
		lowest := reports[0]
		status.UsageReports[metric] = domain.UsageReport{
			PeriodWindow: domain.PeriodWindow{
				Start:  lowest.PeriodWindow.Start,
				End:    lowest.PeriodWindow.Start + periodSeconds(lowest.PeriodWindow.Period),
				Window: convertPeriod(lowest.PeriodWindow.Period),
			},
			MaxValue: int64(lowest.MaxValue),
			// remaining = max - current.
			LeftHits: int64(lowest.MaxValue - lowest.CurrentValue),
		}
	}

	status.Authorized = true
	return status
}

func periodSeconds(p api.Period) int64 {
	return convertPeriod(p).AsSeconds()
}

func convertPeriod(p api.Period) domain.Period {
	switch p {
	case api.Minute:
		return domain.Minute
	case api.Hour:
		return domain.Hour
	case api.Day:
		return domain.Day
	case api.Week:
		return domain.Week
	case api.Month:
		return domain.Month
	case api.Year:
		return domain.Year
	default:
		return domain.Eternity
	}
}
