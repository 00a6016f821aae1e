package handlers

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	ierr "privatrengoering.dk/cloud/internal/errors"
	"privatrengoering.dk/cloud/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct maps the first failing field onto an InvalidArgument.
func validateStruct(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var validateErrs validator.ValidationErrors
	if errors.As(err, &validateErrs) && len(validateErrs) > 0 {
		field := validateErrs[0]
		format := "%s er ugyldig"
		if field.Tag() == "required" {
			format = "%s er påkrævet"
		}
		return ierr.WithError(err).WithHintf(format, field.Field()).Mark(ierr.ErrInvalidArgument)
	}
	return ierr.WithError(err).WithHint("Ugyldig forespørgsel").Mark(ierr.ErrInvalidArgument)
}

type CheckoutSessionRequest struct {
	CustomerID string `json:"customerId" validate:"omitempty,max=255"`
	PriceID    string `json:"priceId" validate:"omitempty,max=255"`
	SuccessURL string `json:"successUrl" validate:"required,url"`
	CancelURL  string `json:"cancelUrl" validate:"required,url"`
}

func (r *CheckoutSessionRequest) Validate() error {
	return validateStruct(r)
}

type CheckoutSessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type PortalSessionRequest struct {
	CustomerID string `json:"customerId" validate:"required"`
	ReturnURL  string `json:"returnUrl" validate:"omitempty,url"`
}

func (r *PortalSessionRequest) Validate() error {
	return validateStruct(r)
}

type PortalSessionResponse struct {
	URL string `json:"url"`
}

type WebhookResponse struct {
	Received bool `json:"received"`
}

type SubscriptionResponse struct {
	UserID            string                    `json:"userId"`
	Status            models.SubscriptionStatus `json:"status"`
	Entitled          bool                      `json:"entitled"`
	BillingCustomerID string                    `json:"billingCustomerId,omitempty"`
	LastEventAt       string                    `json:"lastEventAt,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
