package dracoon

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const provisioningPrefix = apiPrefix + "/provisioning"

// serviceTokenHeader carries the provisioning credential.
const serviceTokenHeader = "X-Sds-Service-Token"

// Customer is a provisioned tenant.
type Customer struct {
	ID                   uint64    `json:"id"`
	CompanyName          string    `json:"companyName"`
	CustomerContractType string    `json:"customerContractType"`
	QuotaMax             int64     `json:"quotaMax"`
	QuotaUsed            int64     `json:"quotaUsed"`
	UserMax              int       `json:"userMax"`
	UserUsed             int       `json:"userUsed"`
	IsLocked             bool      `json:"isLocked,omitempty"`
	CreatedAt            time.Time `json:"createdAt,omitempty"`
}

// Range describes the window of a paginated listing.
type Range struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

// CustomerList is one page of customers.
type CustomerList struct {
	Range Range      `json:"range"`
	Items []Customer `json:"items"`
}

// ListOptions parameterizes paginated listings.
type ListOptions struct {
	Offset int
	Limit  int
	Filter string
	Sort   string
}

func (o *ListOptions) query() string {
	if o == nil {
		return ""
	}

	values := url.Values{}

	if o.Offset > 0 {
		values.Set("offset", strconv.Itoa(o.Offset))
	}

	if o.Limit > 0 {
		values.Set("limit", strconv.Itoa(o.Limit))
	}

	if o.Filter != "" {
		values.Set("filter", o.Filter)
	}

	if o.Sort != "" {
		values.Set("sort", o.Sort)
	}

	if len(values) == 0 {
		return ""
	}

	return "?" + values.Encode()
}

func (p *Provisioning) header() http.Header {
	return http.Header{serviceTokenHeader: {p.serviceToken.Reveal()}}
}

// ListCustomers returns a page of tenants.
func (p *Provisioning) ListCustomers(ctx context.Context, opts *ListOptions) (*CustomerList, error) {
	var list CustomerList

	err := p.rest.doJSON(ctx, request{
		method: http.MethodGet,
		url:    provisioningPrefix + "/customers" + opts.query(),
		header: p.header(),
	}, &list)
	if err != nil {
		return nil, err
	}

	return &list, nil
}

// Customer fetches a single tenant.
func (p *Provisioning) Customer(ctx context.Context, id uint64) (*Customer, error) {
	var customer Customer

	err := p.rest.doJSON(ctx, request{
		method: http.MethodGet,
		url:    provisioningPrefix + "/customers/" + strconv.FormatUint(id, 10),
		header: p.header(),
	}, &customer)
	if err != nil {
		return nil, err
	}

	return &customer, nil
}
