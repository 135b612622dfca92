package domain

import "context"

type companyKey struct{}

// WithCompany scopes ctx to the company supplied by the identity provider.
func WithCompany(ctx context.Context, companyID string) context.Context {
	return context.WithValue(ctx, companyKey{}, companyID)
}

func CompanyFromContext(ctx context.Context) (string, error) {
	id, _ := ctx.Value(companyKey{}).(string)
	if id == "" {
		return "", NewValidationError("company", "caller identity has no company")
	}
	return id, nil
}
