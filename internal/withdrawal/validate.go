package withdrawal

import (
	"errors"
	"reflect"
	"strings"

	"marketplace-wallet/internal/domain"

	"github.com/go-playground/validator/v10"
)

type bankDestination struct {
	BankCode      string `json:"bank_code" validate:"required,max=16"`
	BankName      string `json:"bank_name" validate:"omitempty,max=128"`
	AccountNumber string `json:"account_number" validate:"required,numeric,min=6,max=20"`
	AccountName   string `json:"account_name" validate:"required,max=128"`
}

type mobileDestination struct {
	Network     string `json:"network" validate:"required,max=32"`
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validateDestination checks the payout details required by method.
func validateDestination(v *validator.Validate, method domain.WithdrawalMethod, d domain.Destination) error {
	var target any
	switch method {
	case domain.MethodBankTransfer:
		target = bankDestination{
			BankCode:      strings.TrimSpace(d.BankCode),
			BankName:      strings.TrimSpace(d.BankName),
			AccountNumber: strings.TrimSpace(d.AccountNumber),
			AccountName:   strings.TrimSpace(d.AccountName),
		}
	case domain.MethodMobileMoney:
		target = mobileDestination{
			Network:     strings.TrimSpace(d.Network),
			PhoneNumber: strings.TrimSpace(d.PhoneNumber),
		}
	default:
		return domain.Invalid("method", "must be bank_transfer or mobile_money")
	}

	err := v.Struct(target)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return domain.Invalid("destination."+ve[0].Field(), "failed "+ve[0].Tag())
	}
	return domain.Invalid("destination", err.Error())
}

// normalizeDestination trims fields and drops those that do not belong to method.
func normalizeDestination(method domain.WithdrawalMethod, d domain.Destination) domain.Destination {
	if method == domain.MethodMobileMoney {
		return domain.Destination{
			Network:     strings.TrimSpace(d.Network),
			PhoneNumber: strings.TrimSpace(d.PhoneNumber),
		}
	}
	return domain.Destination{
		BankCode:      strings.TrimSpace(d.BankCode),
		BankName:      strings.TrimSpace(d.BankName),
		AccountNumber: strings.TrimSpace(d.AccountNumber),
		AccountName:   strings.TrimSpace(d.AccountName),
	}
}
