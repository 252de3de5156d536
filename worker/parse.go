package worker

import (
	"encoding/json"
	"fmt"

	"github.com/emporia/ordercore/errs"
	"github.com/emporia/ordercore/model"
)

// ParseOrder decodes and validates a message body. Any defect — malformed
// JSON, missing fields, type mismatches, quantity below one — is permanent:
// redelivery cannot fix a broken payload.
func ParseOrder(body []byte) (*model.OrderMessage, error) {
	var msg model.OrderMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, errs.Permanent(model.ReasonParseError,
			fmt.Errorf("decoding order message: %w", err))
	}
	if err := msg.Validate(); err != nil {
		return nil, errs.Permanent(model.ReasonParseError,
			fmt.Errorf("invalid order message: %w", err))
	}
	return &msg, nil
}
