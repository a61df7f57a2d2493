package normalize

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"manifold-etl/internal/fetcher"
)

// User is a cleaned row of users_clean.
type User struct {
	ID       string
	Username string
	Name     string

	AvatarURL     *string
	Bio           *string
	Website       *string
	BannerURL     *string
	DiscordHandle *string
	TwitterHandle *string
	URL           *string

	CreatedTime             time.Time
	LastUpdatedTime         *time.Time
	LastLogin               *time.Time
	SweepstakesVerifiedTime *time.Time

	IsBot                 bool
	IsAdmin               bool
	IsTrustworthy         bool
	IsBanned              *bool
	IsBannedFromMana      *bool
	IsBannedFromSweepcash *bool
	IsAdvancedTrader      *bool
	IDVerified            *bool
	VerifiedPhone         *bool
	SweepstakesVerified   *bool

	KYCStatus        *string
	ReferredByUserID *string

	Balance                  decimal.Decimal
	CashBalance              decimal.NullDecimal
	SpiceBalance             decimal.NullDecimal
	TotalDeposits            decimal.Decimal
	TotalCashDeposits        decimal.NullDecimal
	TotalProfit              decimal.NullDecimal
	TotalVolume              decimal.NullDecimal
	NextLoanCached           decimal.NullDecimal
	ResolvedProfitAdjustment decimal.NullDecimal

	CurrentBettingStreak *int64
	FollowerCount        *int64
	CreatorTraders       json.RawMessage

	Raw       fetcher.RawRecord
	Collected time.Time
}

var userColumns = []column[User]{
	{"username", func(u User) any { return u.Username }},
	{"name", func(u User) any { return u.Name }},
	{"avatar_url", func(u User) any { return u.AvatarURL }},
	{"bio", func(u User) any { return u.Bio }},
	{"website", func(u User) any { return u.Website }},
	{"banner_url", func(u User) any { return u.BannerURL }},
	{"discord_handle", func(u User) any { return u.DiscordHandle }},
	{"twitter_handle", func(u User) any { return u.TwitterHandle }},
	{"url", func(u User) any { return u.URL }},
	{"created_time", func(u User) any { return u.CreatedTime }},
	{"last_updated_time", func(u User) any { return u.LastUpdatedTime }},
	{"last_login", func(u User) any { return u.LastLogin }},
	{"sweepstakes_verified_time", func(u User) any { return u.SweepstakesVerifiedTime }},
	{"is_bot", func(u User) any { return u.IsBot }},
	{"is_admin", func(u User) any { return u.IsAdmin }},
	{"is_trustworthy", func(u User) any { return u.IsTrustworthy }},
	{"is_banned", func(u User) any { return u.IsBanned }},
	{"is_banned_from_mana", func(u User) any { return u.IsBannedFromMana }},
	{"is_banned_from_sweepcash", func(u User) any { return u.IsBannedFromSweepcash }},
	{"is_advanced_trader", func(u User) any { return u.IsAdvancedTrader }},
	{"id_verified", func(u User) any { return u.IDVerified }},
	{"verified_phone", func(u User) any { return u.VerifiedPhone }},
	{"sweepstakes_verified", func(u User) any { return u.SweepstakesVerified }},
	{"kyc_status", func(u User) any { return u.KYCStatus }},
	{"referred_by_user_id", func(u User) any { return u.ReferredByUserID }},
	{"balance", func(u User) any { return u.Balance.String() }},
	{"cash_balance", func(u User) any { return nullDecimalValue(u.CashBalance) }},
	{"spice_balance", func(u User) any { return nullDecimalValue(u.SpiceBalance) }},
	{"total_deposits", func(u User) any { return u.TotalDeposits.String() }},
	{"total_cash_deposits", func(u User) any { return nullDecimalValue(u.TotalCashDeposits) }},
	{"total_profit", func(u User) any { return nullDecimalValue(u.TotalProfit) }},
	{"total_volume", func(u User) any { return nullDecimalValue(u.TotalVolume) }},
	{"next_loan_cached", func(u User) any { return nullDecimalValue(u.NextLoanCached) }},
	{"resolved_profit_adjustment", func(u User) any { return nullDecimalValue(u.ResolvedProfitAdjustment) }},
	{"current_betting_streak", func(u User) any { return u.CurrentBettingStreak }},
	{"follower_count", func(u User) any { return u.FollowerCount }},
	{"creator_traders", func(u User) any { return []byte(u.CreatorTraders) }},
	{"collected_at", func(u User) any { return u.Collected }},
}

// UserColumns lists the non-key users_clean columns in Values order.
func UserColumns() []string { return columnNames(userColumns) }

func (u User) Key() string               { return u.ID }
func (u User) Document() json.RawMessage { return u.Raw.Doc }
func (u User) CollectedAt() time.Time    { return u.Collected }
func (u User) Values() []any             { return columnValues(userColumns, u) }

// NormalizeUser validates one raw user document.
func NormalizeUser(raw fetcher.RawRecord, asOf time.Time) Result[User] {
	f, verr := parseDocument(raw.Doc)
	if verr != nil {
		return reject[User](raw.ID, verr)
	}
	u := User{
		ID:       f.checkID(raw),
		Username: f.reqString("username"),
		Name:     f.reqString("name", "displayName"),

		AvatarURL:     f.optString("avatarUrl"),
		Bio:           f.optString("bio"),
		Website:       f.optString("website"),
		BannerURL:     f.optString("bannerUrl"),
		DiscordHandle: f.optString("discordHandle"),
		TwitterHandle: f.optString("twitterHandle"),
		URL:           f.optString("url"),

		CreatedTime:             f.reqTime("createdTime"),
		LastUpdatedTime:         f.optTime("lastUpdatedTime"),
		LastLogin:               f.optTime("lastBetTime"),
		SweepstakesVerifiedTime: f.optTime("sweepstakesVerifiedTime"),

		IsBot:                 f.boolOr("isBot", false),
		IsAdmin:               f.boolOr("isAdmin", false),
		IsTrustworthy:         f.boolOr("isTrustworthy", false),
		IsBanned:              f.optBool("isBanned"),
		IsBannedFromMana:      f.optBool("isBannedFromMana"),
		IsBannedFromSweepcash: f.optBool("isBannedFromSweepcash"),
		IsAdvancedTrader:      f.optBool("isAdvancedTrader"),
		IDVerified:            f.optBool("idVerified"),
		VerifiedPhone:         f.optBool("verifiedPhone"),
		SweepstakesVerified:   f.optBool("sweepstakesVerified"),

		KYCStatus:        f.optString("kycDocumentStatus"),
		ReferredByUserID: f.optString("referredByUserId"),

		Balance:                  f.reqDecimal("balance"),
		CashBalance:              f.optDecimal("cashBalance"),
		SpiceBalance:             f.optDecimal("spiceBalance"),
		TotalDeposits:            f.reqDecimal("totalDeposits"),
		TotalCashDeposits:        f.optDecimal("totalCashDeposits"),
		TotalProfit:              f.optDecimal("profitCached.allTime"),
		TotalVolume:              f.optDecimal("profitCached.sinceCreation"),
		NextLoanCached:           f.optDecimal("nextLoanCached"),
		ResolvedProfitAdjustment: f.optDecimal("resolvedProfitAdjustment"),

		CurrentBettingStreak: f.optInt("currentBettingStreak"),
		FollowerCount:        f.optInt("followerCountCached"),
		CreatorTraders:       f.reqObject("creatorTraders"),

		Raw:       raw,
		Collected: asOf.UTC(),
	}
	if f.err != nil {
		return reject[User](raw.ID, f.err)
	}
	return Result[User]{Record: u}
}

// Users normalizes a page of raw user documents.
func Users(page []fetcher.RawRecord, asOf time.Time) Batch[User] {
	return collect(page, asOf, NormalizeUser)
}
