package validator

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/x-xyz/bidengine/base/ptr"
)

type ValidatorTestSuite struct {
	suite.Suite
}

func TestValidatorTestSuite(t *testing.T) {
	suite.Run(t, new(ValidatorTestSuite))
}

func (s *ValidatorTestSuite) TestDecimalTags() {
	type params struct {
		Amount  decimal.Decimal  `validate:"gt=0"`
		Ceiling *decimal.Decimal `validate:"omitempty,gt=0"`
	}

	v := NewCustomValidator(validator.New())

	tests := []struct {
		desc    string
		params  params
		isValid bool
	}{
		{
			desc:    "positive amount",
			params:  params{Amount: decimal.NewFromInt(11)},
			isValid: true,
		},
		{
			desc:    "zero amount",
			params:  params{Amount: decimal.Zero},
			isValid: false,
		},
		{
			desc:    "fractional amount",
			params:  params{Amount: decimal.RequireFromString("0.01"), Ceiling: ptr.DecimalFromString("5")},
			isValid: true,
		},
		{
			desc:    "negative ceiling",
			params:  params{Amount: decimal.NewFromInt(1), Ceiling: ptr.DecimalFromString("-5")},
			isValid: false,
		},
	}

	for _, tt := range tests {
		err := v.Validate(tt.params)
		if tt.isValid {
			s.NoError(err, tt.desc)
		} else {
			s.Error(err, tt.desc)
		}
	}
}
