// Package fixtures builds realistic Manifold API documents for tests and local seeding.
package fixtures

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"manifold-etl/internal/fetcher"
)

// Generator produces deterministic documents for a given seed.
type Generator struct {
	faker *gofakeit.Faker
	epoch time.Time
}

// New returns a generator seeded with seed.
func New(seed int64) *Generator {
	return &Generator{
		faker: gofakeit.New(seed),
		epoch: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (g *Generator) millis(offset time.Duration) int64 {
	return g.epoch.Add(offset).UnixMilli()
}

// UserDoc returns a /users document with the given id.
func (g *Generator) UserDoc(id string) map[string]any {
	f := g.faker
	username := fmt.Sprintf("%s%d", f.Username(), f.IntRange(10, 9999))
	return map[string]any{
		"id":                   id,
		"username":             username,
		"name":                 f.Name(),
		"avatarUrl":            f.URL(),
		"bio":                  f.Sentence(6),
		"createdTime":          g.millis(time.Duration(f.IntRange(0, 365*24)) * time.Hour),
		"lastBetTime":          g.millis(time.Duration(f.IntRange(365*24, 600*24)) * time.Hour),
		"balance":              f.Float64Range(0, 50000),
		"totalDeposits":        f.Float64Range(0, 10000),
		"isBot":                false,
		"isBannedFromPosting":  f.Bool(),
		"followerCountCached":  f.IntRange(0, 500),
		"currentBettingStreak": f.IntRange(0, 30),
		"creatorTraders":       map[string]any{"daily": 0, "weekly": f.IntRange(0, 5), "monthly": f.IntRange(0, 20), "allTime": f.IntRange(0, 200)},
		"profitCached":         map[string]any{"allTime": f.Float64Range(-1000, 1000), "sinceCreation": f.Float64Range(0, 5000)},
		"url":                  "https://manifold.markets/" + username,
	}
}

// BetDoc returns a /bets document with the given id placed by userID.
func (g *Generator) BetDoc(id, userID string) map[string]any {
	f := g.faker
	before := f.Float64Range(0.01, 0.99)
	return map[string]any{
		"id":           id,
		"userId":       userID,
		"contractId":   f.LetterN(12),
		"createdTime":  g.millis(time.Duration(f.IntRange(0, 600*24)) * time.Hour),
		"amount":       f.Float64Range(1, 1000),
		"shares":       f.Float64Range(1, 2000),
		"outcome":      f.RandomString([]string{"YES", "NO"}),
		"probBefore":   before,
		"probAfter":    f.Float64Range(0.01, 0.99),
		"isRedemption": false,
		"isApi":        f.Bool(),
		"fees":         map[string]any{"creatorFee": 0, "platformFee": f.Float64Range(0, 1), "liquidityFee": 0},
	}
}

// Raw encodes doc into a RawRecord keyed by its "id".
func Raw(doc map[string]any) fetcher.RawRecord {
	encoded, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	id, _ := doc["id"].(string)
	return fetcher.RawRecord{ID: id, Doc: encoded}
}

// Users returns n raw user records with ids u0001, u0002, ...
func (g *Generator) Users(n int) []fetcher.RawRecord {
	out := make([]fetcher.RawRecord, n)
	for i := range out {
		out[i] = Raw(g.UserDoc(fmt.Sprintf("u%04d", i+1)))
	}
	return out
}

// Bets returns n raw bet records for userID, newest first as the API returns them.
func (g *Generator) Bets(userID string, n int) []fetcher.RawRecord {
	out := make([]fetcher.RawRecord, n)
	for i := range out {
		out[i] = Raw(g.BetDoc(fmt.Sprintf("%s-b%05d", userID, n-i), userID))
	}
	return out
}
