package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	roleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]+$`)
)

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return strings.IndexFunc(fl.Field().String(), unicode.IsDigit) >= 0
	})
	_ = v.RegisterValidation("rolename", func(fl validator.FieldLevel) bool {
		return roleNamePattern.MatchString(fl.Field().String())
	})
	return v
}()

// CreateUserInput is the administrator-supplied payload for a new user.
type CreateUserInput struct {
	Username string   `json:"username" validate:"required,min=4,max=20,username"`
	Password string   `json:"password" validate:"required,min=8,max=32,password"`
	Email    string   `json:"email" validate:"required,email,max=254"`
	Phone    string   `json:"phone" validate:"omitempty,numeric,len=11"`
	Roles    []string `json:"roles" validate:"required,min=1,dive,required,rolename"`
}

type CreateRoleInput struct {
	Name        string `json:"name" validate:"required,min=3,max=32,rolename"`
	DisplayName string `json:"display_name" validate:"max=64"`
}

// LoginInput carries the same username and password rules as user creation.
type LoginInput struct {
	Username string `json:"username" validate:"required,min=4,max=20,username"`
	Password string `json:"password" validate:"required,min=8,max=32,password"`
}

func (in *CreateUserInput) normalize() {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	in.Roles = dedupe(in.Roles)
}

func (in *CreateRoleInput) normalize() {
	in.Name = strings.TrimSpace(strings.ToLower(in.Name))
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if in.DisplayName == "" {
		in.DisplayName = in.Name
	}
}

// validateStruct maps validator failures to ErrValidation with one message per field.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", field, fe.Param())
	case "username":
		return field + " may contain only letters, digits and underscores"
	case "password":
		return field + " must contain a digit"
	case "rolename":
		return field + " must be lower-case letters, digits or underscores"
	case "email":
		return field + " must be a valid email address"
	case "numeric":
		return field + " must contain only digits"
	default:
		return field + " is invalid"
	}
}
