package domain

import "fmt"

// CacheKey is the pair (ServiceId, AppIdentifier). Its canonical string form
// is "{service_id}_{app_id}". The embedded AppIdentifier may be mutated in
// place once a UserKey resolves to a concrete AppId (see pkg/filter).
type CacheKey struct {
	ServiceId ServiceId
	AppId     AppIdentifier
}

// NewCacheKey builds a CacheKey for the given service and identifier.
func NewCacheKey(service ServiceId, id AppIdentifier) CacheKey {
	return CacheKey{ServiceId: service, AppId: id}
}

// String returns the canonical "{service_id}_{app_id}" form used as the
// literal Shared Store key (and as its own hash via string equality).
func (k CacheKey) String() string {
	return fmt.Sprintf("%s_%s", k.ServiceId, k.AppId.Primary())
}

// CalloutLockKey returns the "CL_{cachekey}" key used by the callout coordinator.
func (k CacheKey) CalloutLockKey() string {
	return "CL_" + k.String()
}

// ResolveToAppId mutates the embedded AppIdentifier in place, rewriting it
// from a UserKey variant to a concrete AppId variant.
func (k *CacheKey) ResolveToAppId(id AppId) {
	k.AppId = NewAppIdIdentifier(id, k.AppId.AppKey)
}
