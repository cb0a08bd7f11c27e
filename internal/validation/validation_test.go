package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/palomar/bazaar/internal/money"
)

func TestRequired(t *testing.T) {
	errs := Validate(Required("buyer_id", ""))
	assert.Len(t, errs, 1)
	assert.Equal(t, "buyer_id", errs[0].Field)

	errs = Validate(Required("buyer_id", "usr_1"))
	assert.Empty(t, errs)
}

func TestPositiveAmount(t *testing.T) {
	assert.Len(t, Validate(PositiveAmount("price", money.Amount(0))), 1)
	assert.Len(t, Validate(PositiveAmount("price", money.Amount(-5))), 1)
	assert.Empty(t, Validate(PositiveAmount("price", money.Amount(45000))))
}

func TestNonNegativeAmount(t *testing.T) {
	assert.Empty(t, Validate(NonNegativeAmount("refund_amount", money.Amount(0))))
	assert.Len(t, Validate(NonNegativeAmount("refund_amount", money.Amount(-1))), 1)
}

func TestOneOf(t *testing.T) {
	assert.Empty(t, Validate(OneOf("reason", "fraud", "fraud", "other")))
	errs := Validate(OneOf("reason", "bogus", "fraud", "other"))
	assert.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "fraud")
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello\x00  ", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
}

func TestValidationErrors_Error(t *testing.T) {
	var empty ValidationErrors
	assert.Equal(t, "validation failed", empty.Error())

	errs := ValidationErrors{{Field: "price", Message: "must be a positive amount"}}
	assert.Equal(t, "price: must be a positive amount", errs.Error())
}
