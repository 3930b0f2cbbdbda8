package workers

// Credentials is a username/password pair presented to a Stratum pool.
type Credentials struct {
	Username string
	Password string
}

// IdentityPolicy decides which credentials appear on upstream calls. With
// an override configured the whole fleet is multiplexed onto one pool
// account: local authorization always succeeds and every outbound
// submission carries the override identity regardless of what the
// individual worker presented.
type IdentityPolicy struct {
	override *Credentials
}

// NewIdentityPolicy creates a policy. override may be nil, in which case
// workers authorize upstream with the credentials they present.
func NewIdentityPolicy(override *Credentials) *IdentityPolicy {
	return &IdentityPolicy{override: override}
}

// Apply returns the credentials to be used upstream for a worker that
// presented the given pair.
func (p *IdentityPolicy) Apply(username, password string) (string, string) {
	if p.override != nil {
		return p.override.Username, p.override.Password
	}
	return username, password
}

// Override returns the configured override identity, or nil.
func (p *IdentityPolicy) Override() *Credentials {
	return p.override
}

// LocalOnly reports whether worker authorization is decided locally.
// True when an override is configured: presented credentials are cosmetic.
func (p *IdentityPolicy) LocalOnly() bool {
	return p.override != nil
}
