// Package fixtures holds the identity values shared by authorhub tests so
// tenant ids and audiences are not repeated as magic strings.
package fixtures

const (
	// TenantID is the directory id of the fake identity provider.
	TenantID = "0f2c6d1e-8a55-4b3e-9c11-5d6e7f8a9b0c"

	// Audience is the API client id tokens are minted for.
	Audience = "api://authorhub"

	// OtherAudience is a client id the API does not accept.
	OtherAudience = "api://someone-else"

	// Subject is the sub claim of the default test user.
	Subject = "8c3f0d6e-author-0001"

	// ObjectID is the oid claim of the default test user.
	ObjectID = "d4b1e2a3-0000-4000-8000-000000000001"

	// UserPrincipalName is the UPN of the default test user.
	UserPrincipalName = "ada@authorhub.example"

	// Email is the mail address of the default test user.
	Email = "ada@authorhub.example"

	// DisplayName is the display name of the default test user.
	DisplayName = "Ada Author"

	// OpaqueToken is a single-segment token the fake provider accepts at
	// its profile endpoint.
	OpaqueToken = "EwB4A8l6BAAUkj1Pq2o0mZrT"

	// RejectedOpaqueToken is a single-segment token the fake provider
	// answers with 401.
	RejectedOpaqueToken = "abcdefg123"
)
