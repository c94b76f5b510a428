package domain

import "fmt"

// ServiceKey returns the "{service_id}_{service_token}" bucket key used by
// the DeltaStore and by the singleton's CacheKey->ServiceToken bookkeeping.
func ServiceKey(service ServiceId, token ServiceToken) string {
	return fmt.Sprintf("%s_%s", service, token)
}
