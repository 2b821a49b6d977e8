package services

import (
	"errors"
	"net"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"wgkeeper/internal/models"
)

var validate = validator.New()

var nameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}$`)

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return nameRegex.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("cidrlist", func(fl validator.FieldLevel) bool {
		for _, r := range splitList(fl.Field().String()) {
			if _, _, err := net.ParseCIDR(r); err != nil {
				return false
			}
		}
		return true
	})
	validate.RegisterValidation("iplist", func(fl validator.FieldLevel) bool {
		for _, d := range splitList(fl.Field().String()) {
			if net.ParseIP(d) == nil {
				return false
			}
		}
		return true
	})
}

// CreateRequest carries the caller-supplied parameters of a new peer. Empty
// fields take the server defaults.
type CreateRequest struct {
	Name             string `json:"name" validate:"required,slug"`
	Address          string `json:"address"`
	Enabled          *bool  `json:"enabled"`
	AllowedRoutes    string `json:"allowed_routes" validate:"omitempty,cidrlist"`
	EndpointOverride string `json:"endpoint_override" validate:"omitempty,max=253"`
	DNSHint          string `json:"dns_hint" validate:"omitempty,iplist"`
	KeepaliveSeconds *int   `json:"keepalive_seconds" validate:"omitempty,min=0,max=65535"`
	Notes            string `json:"notes" validate:"max=1024"`
	InterfaceName    string `json:"interface_name" validate:"max=64"`
	CreatedBy        string `json:"created_by" validate:"max=128"`
}

func (req *CreateRequest) check(pool Pool) error {
	req.Address = strings.TrimSpace(req.Address)
	if err := validationError(validate.Struct(req)); err != nil {
		return err
	}
	if req.Address != "" {
		return pool.ValidateAddress(req.Address)
	}
	return nil
}

func (req *CreateRequest) toPeer(d Defaults) *models.Peer {
	p := &models.Peer{
		Name:             req.Name,
		Enabled:          true,
		AllowedRoutes:    req.AllowedRoutes,
		EndpointOverride: strings.TrimSpace(req.EndpointOverride),
		DNSHint:          req.DNSHint,
		KeepaliveSeconds: d.Keepalive,
		Notes:            req.Notes,
		InterfaceName:    req.InterfaceName,
		CreatedBy:        req.CreatedBy,
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if req.KeepaliveSeconds != nil {
		p.KeepaliveSeconds = *req.KeepaliveSeconds
	}
	if strings.TrimSpace(p.AllowedRoutes) == "" {
		p.AllowedRoutes = d.AllowedRoutes
	}
	if strings.TrimSpace(p.DNSHint) == "" {
		p.DNSHint = d.DNS
	}
	if p.CreatedBy == "" {
		p.CreatedBy = "system"
	}
	return p
}

// UpdatePatch lists the fields a caller may change after creation. Nil
// fields are left alone.
type UpdatePatch struct {
	Notes            *string `json:"notes" validate:"omitempty,max=1024"`
	AllowedRoutes    *string `json:"allowed_routes" validate:"omitempty,cidrlist"`
	EndpointOverride *string `json:"endpoint_override" validate:"omitempty,max=253"`
	DNSHint          *string `json:"dns_hint" validate:"omitempty,iplist"`
	KeepaliveSeconds *int    `json:"keepalive_seconds" validate:"omitempty,min=0,max=65535"`
	InterfaceName    *string `json:"interface_name" validate:"omitempty,max=64"`
	Enabled          *bool   `json:"enabled"`
	Address          *string `json:"address"`
}

func (p *UpdatePatch) check(pool Pool) error {
	if err := validationError(validate.Struct(p)); err != nil {
		return err
	}
	if p.Address != nil {
		addr := strings.TrimSpace(*p.Address)
		if err := pool.ValidateAddress(addr); err != nil {
			return err
		}
		p.Address = &addr
	}
	return nil
}

// columns maps the patch onto store columns. Enabled is never written here;
// it goes through the enable/disable paths.
func (p *UpdatePatch) columns() map[string]any {
	cols := map[string]any{}
	if p.Notes != nil {
		cols["notes"] = *p.Notes
	}
	if p.AllowedRoutes != nil {
		cols["allowed_routes"] = *p.AllowedRoutes
	}
	if p.EndpointOverride != nil {
		cols["endpoint_override"] = strings.TrimSpace(*p.EndpointOverride)
	}
	if p.DNSHint != nil {
		cols["dns_hint"] = *p.DNSHint
	}
	if p.KeepaliveSeconds != nil {
		cols["keepalive_seconds"] = *p.KeepaliveSeconds
	}
	if p.InterfaceName != nil {
		cols["interface_name"] = *p.InterfaceName
	}
	if p.Address != nil {
		cols["address"] = *p.Address
	}
	return cols
}

// validationError turns the first validator failure into a ValidationError
// named after the JSON field.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return models.Invalid("body", "%v", err)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return models.Invalid(fe.Field(), "is required")
	case "slug":
		return models.Invalid(fe.Field(), "%q must be 1-63 characters of a-z, 0-9, '.', '_' or '-'", fe.Value())
	case "cidrlist":
		return models.Invalid(fe.Field(), "%q must be a comma-separated list of CIDRs", fe.Value())
	case "iplist":
		return models.Invalid(fe.Field(), "%q must be a comma-separated list of IP addresses", fe.Value())
	case "min", "max":
		return models.Invalid(fe.Field(), "%v violates %s=%s", fe.Value(), fe.Tag(), fe.Param())
	default:
		return models.Invalid(fe.Field(), "failed %s", fe.Tag())
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
