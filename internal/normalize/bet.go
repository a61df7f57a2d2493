package normalize

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"manifold-etl/internal/fetcher"
)

var answerIndex = regexp.MustCompile(`^[0-9]+$`)

// ValidOutcome reports whether o is a binary/free-response outcome or a numeric answer index.
func ValidOutcome(o string) bool {
	switch o {
	case "YES", "NO", "CANCEL", "MKT":
		return true
	}
	return answerIndex.MatchString(o)
}

// Bet is a cleaned row of bets_clean.
type Bet struct {
	ID         string
	UserID     string
	ContractID string
	AnswerID   *string

	CreatedTime time.Time
	UpdatedTime *time.Time
	ExpiresAt   *time.Time

	Amount      decimal.Decimal
	LoanAmount  decimal.NullDecimal
	OrderAmount decimal.NullDecimal
	Shares      decimal.Decimal
	Outcome     string
	ProbBefore  decimal.Decimal
	ProbAfter   decimal.Decimal
	LimitProb   decimal.NullDecimal

	LiquidityFee decimal.NullDecimal
	CreatorFee   decimal.NullDecimal
	PlatformFee  decimal.NullDecimal

	IsAPI        *bool
	IsRedemption bool
	IsCancelled  *bool
	IsFilled     *bool

	ChallengeSlug    *string
	ReplyToCommentID *string
	BetGroupID       *string

	Raw       fetcher.RawRecord
	Collected time.Time
}

var betColumns = []column[Bet]{
	{"user_id", func(b Bet) any { return b.UserID }},
	{"contract_id", func(b Bet) any { return b.ContractID }},
	{"answer_id", func(b Bet) any { return b.AnswerID }},
	{"created_time", func(b Bet) any { return b.CreatedTime }},
	{"updated_time", func(b Bet) any { return b.UpdatedTime }},
	{"expires_at", func(b Bet) any { return b.ExpiresAt }},
	{"amount", func(b Bet) any { return b.Amount.String() }},
	{"loan_amount", func(b Bet) any { return nullDecimalValue(b.LoanAmount) }},
	{"order_amount", func(b Bet) any { return nullDecimalValue(b.OrderAmount) }},
	{"shares", func(b Bet) any { return b.Shares.String() }},
	{"outcome", func(b Bet) any { return b.Outcome }},
	{"prob_before", func(b Bet) any { return b.ProbBefore.String() }},
	{"prob_after", func(b Bet) any { return b.ProbAfter.String() }},
	{"limit_prob", func(b Bet) any { return nullDecimalValue(b.LimitProb) }},
	{"liquidity_fee", func(b Bet) any { return nullDecimalValue(b.LiquidityFee) }},
	{"creator_fee", func(b Bet) any { return nullDecimalValue(b.CreatorFee) }},
	{"platform_fee", func(b Bet) any { return nullDecimalValue(b.PlatformFee) }},
	{"is_api", func(b Bet) any { return b.IsAPI }},
	{"is_redemption", func(b Bet) any { return b.IsRedemption }},
	{"is_cancelled", func(b Bet) any { return b.IsCancelled }},
	{"is_filled", func(b Bet) any { return b.IsFilled }},
	{"challenge_slug", func(b Bet) any { return b.ChallengeSlug }},
	{"reply_to_comment_id", func(b Bet) any { return b.ReplyToCommentID }},
	{"bet_group_id", func(b Bet) any { return b.BetGroupID }},
	{"collected_at", func(b Bet) any { return b.Collected }},
}

// BetColumns lists the non-key bets_clean columns in Values order.
func BetColumns() []string { return columnNames(betColumns) }

func (b Bet) Key() string               { return b.ID }
func (b Bet) Document() json.RawMessage { return b.Raw.Doc }
func (b Bet) CollectedAt() time.Time    { return b.Collected }
func (b Bet) Values() []any             { return columnValues(betColumns, b) }

// NormalizeBet validates one raw bet document.
func NormalizeBet(raw fetcher.RawRecord, asOf time.Time) Result[Bet] {
	f, verr := parseDocument(raw.Doc)
	if verr != nil {
		return reject[Bet](raw.ID, verr)
	}
	b := Bet{
		ID:         f.checkID(raw),
		UserID:     f.reqString("userId"),
		ContractID: f.reqString("contractId"),
		AnswerID:   f.optString("answerId"),

		CreatedTime: f.reqTime("createdTime"),
		UpdatedTime: f.optTime("updatedTime"),
		ExpiresAt:   f.optTime("expiresAt"),

		Amount:      f.reqDecimal("amount"),
		LoanAmount:  f.optDecimal("loanAmount"),
		OrderAmount: f.optDecimal("orderAmount"),
		Shares:      f.reqDecimal("shares"),
		Outcome:     f.reqString("outcome"),
		ProbBefore:  f.probability("probBefore"),
		ProbAfter:   f.probability("probAfter"),
		LimitProb:   f.optProbability("limitProb"),

		LiquidityFee: f.optDecimal("fees.liquidityFee"),
		CreatorFee:   f.optDecimal("fees.creatorFee"),
		PlatformFee:  f.optDecimal("fees.platformFee"),

		IsAPI:        f.optBool("isApi"),
		IsRedemption: f.reqBool("isRedemption"),
		IsCancelled:  f.optBool("isCancelled"),
		IsFilled:     f.optBool("isFilled"),

		ChallengeSlug:    f.optString("challengeSlug"),
		ReplyToCommentID: f.optString("replyToCommentId"),
		BetGroupID:       f.optString("betGroupId"),

		Raw:       raw,
		Collected: asOf.UTC(),
	}
	if f.err == nil && !ValidOutcome(b.Outcome) {
		f.fail("outcome", "unknown outcome "+b.Outcome)
	}
	if f.err != nil {
		return reject[Bet](raw.ID, f.err)
	}
	return Result[Bet]{Record: b}
}

// Bets normalizes a page of raw bet documents.
func Bets(page []fetcher.RawRecord, asOf time.Time) Batch[Bet] {
	return collect(page, asOf, NormalizeBet)
}
