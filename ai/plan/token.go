package plan

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrMalformedToken means a confirmation token failed to decode. Callers
// must treat it as "confirmation rejected", never as a plan with holes.
var ErrMalformedToken = errors.New("malformed confirmation token")

const tokenPrefix = "create-plan"

// EncodeToken serializes a provisional plan into the opaque string the
// client echoes back to confirm creation:
//
//	create-plan-<unixMillis>-<base64(JSON(plan))>
//
// The token is not signed, not bound to a session or wallet, and not
// single-use: whoever holds it can replay it and recreate the same plan.
// The wallet address always comes from the confirming request, so a replay
// cannot redirect funds, only duplicate the plan. Left as is on purpose.
func EncodeToken(p PlanData, at time.Time) string {
	payload, err := json.Marshal(p)
	if err != nil {
		// A struct of plain strings cannot fail to marshal.
		panic(fmt.Sprintf("marshal plan data: %v", err))
	}
	return fmt.Sprintf("%s-%d-%s", tokenPrefix, at.UnixMilli(), base64.StdEncoding.EncodeToString(payload))
}

// DecodeToken reverses EncodeToken, returning the plan and its mint time.
// Any structural problem yields ErrMalformedToken with no partial data.
func DecodeToken(token string) (PlanData, time.Time, error) {
	parts := strings.SplitN(token, "-", 4)
	if len(parts) != 4 || parts[0] != "create" || parts[1] != "plan" {
		return PlanData{}, time.Time{}, errors.Wrap(ErrMalformedToken, "bad segment layout")
	}

	millis, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return PlanData{}, time.Time{}, errors.Wrap(ErrMalformedToken, "bad timestamp segment")
	}

	raw, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return PlanData{}, time.Time{}, errors.Wrap(ErrMalformedToken, "bad payload encoding")
	}

	var p PlanData
	if err := json.Unmarshal(raw, &p); err != nil {
		return PlanData{}, time.Time{}, errors.Wrap(ErrMalformedToken, "bad payload json")
	}
	return p, time.UnixMilli(millis), nil
}
