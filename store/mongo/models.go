package mongo

import (
	"math"
	"time"

	"github.com/xraph/grove"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/syncstate"
	"github.com/xraph/credits/types"
)

// ==================== Balance models ====================

// balanceModel is one document per user. Events are embedded so a grant
// is a single-document update.
type balanceModel struct {
	grove.BaseModel `grove:"table:credit_balances"`

	Email              string       `grove:"email,pk"             bson:"_id"`
	Subject            string       `grove:"subject"              bson:"subject"`
	DisplayName        string       `grove:"display_name"         bson:"display_name"`
	Tier               string       `grove:"tier"                 bson:"tier"`
	AvailableCents     int64        `grove:"available_cents"      bson:"available_cents"`
	LifetimeCents      int64        `grove:"lifetime_cents"       bson:"lifetime_cents"`
	BudgetCeilingCents int64        `grove:"budget_ceiling_cents" bson:"budget_ceiling_cents"`
	MonthlySpendCents  int64        `grove:"monthly_spend_cents"  bson:"monthly_spend_cents"`
	Currency           string       `grove:"currency"             bson:"currency"`
	Events             []eventModel `grove:"events"               bson:"events,omitempty"`
	CreatedAt          time.Time    `grove:"created_at"           bson:"created_at"`
	UpdatedAt          time.Time    `grove:"updated_at"           bson:"updated_at"`
}

type eventModel struct {
	ID           string    `bson:"id"`
	Kind         string    `bson:"kind"`
	ChargedCents int64     `bson:"charged_cents"`
	CreditsCents int64     `bson:"credits_cents"`
	Currency     string    `bson:"currency"`
	Tier         string    `bson:"tier"`
	Note         string    `bson:"note"`
	CreatedAt    time.Time `bson:"created_at"`
}

func fromBalanceModel(m *balanceModel) *ledger.Balance {
	currency := m.Currency
	if currency == "" {
		currency = "usd"
	}
	money := func(cents int64) types.Money { return types.Money{Amount: cents, Currency: currency} }
	tier := catalog.Tier(m.Tier)
	if tier == "" {
		tier = catalog.TierNone
	}
	return &ledger.Balance{
		Entity:        types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		Email:         m.Email,
		Subject:       m.Subject,
		DisplayName:   m.DisplayName,
		Tier:          tier,
		Available:     money(m.AvailableCents),
		Lifetime:      money(m.LifetimeCents),
		BudgetCeiling: money(m.BudgetCeilingCents),
		MonthlySpend:  money(m.MonthlySpendCents),
	}
}

func toEventModel(ev *ledger.Event) eventModel {
	tier := string(ev.Tier)
	if tier == "" {
		tier = string(catalog.TierNone)
	}
	currency := ev.Credits.Currency
	if currency == "" {
		currency = "usd"
	}
	return eventModel{
		ID:           ev.ID.String(),
		Kind:         string(ev.Kind),
		ChargedCents: ev.Charged.Amount,
		CreditsCents: ev.Credits.Amount,
		Currency:     currency,
		Tier:         tier,
		Note:         ev.Note,
		CreatedAt:    ev.CreatedAt.UTC(),
	}
}

func fromEventModel(email string, m *eventModel) (*ledger.Event, error) {
	evID, err := id.ParseCreditEventID(m.ID)
	if err != nil {
		return nil, err
	}
	return &ledger.Event{
		ID:        evID,
		Email:     email,
		Kind:      ledger.Kind(m.Kind),
		Charged:   types.Money{Amount: m.ChargedCents, Currency: m.Currency},
		Credits:   types.Money{Amount: m.CreditsCents, Currency: m.Currency},
		Tier:      catalog.Tier(m.Tier),
		Note:      m.Note,
		CreatedAt: m.CreatedAt,
	}, nil
}

// maxEmbeddedEvents caps the history kept on a balance document. Older
// events fall off the front so the document stays far below the 16MB limit.
const maxEmbeddedEvents = 500

// grantFilter matches the balance only while every counter can absorb
// cents without passing math.MaxInt64.
func grantFilter(email string, cents int64) bson.M {
	room := int64(math.MaxInt64)
	if cents > 0 {
		room -= cents
	}
	return bson.M{
		"_id":                  email,
		"available_cents":      bson.M{"$lte": room},
		"lifetime_cents":       bson.M{"$lte": room},
		"budget_ceiling_cents": bson.M{"$lte": room},
	}
}

// grantUpdate builds the single-document update that applies ev: the
// three counters are incremented, the event is appended and the tier is
// overwritten only by tier-setting events.
func grantUpdate(ev *ledger.Event) bson.M {
	em := toEventModel(ev)
	set := bson.M{"updated_at": em.CreatedAt}
	onInsert := bson.M{
		"subject":             "",
		"display_name":        "",
		"monthly_spend_cents": int64(0),
		"currency":            em.Currency,
		"created_at":          em.CreatedAt,
	}
	if ev.SetsTier() {
		set["tier"] = em.Tier
	} else {
		onInsert["tier"] = string(catalog.TierNone)
	}
	return bson.M{
		"$inc": bson.M{
			"available_cents":      em.CreditsCents,
			"lifetime_cents":       em.CreditsCents,
			"budget_ceiling_cents": em.CreditsCents,
		},
		"$push": bson.M{"events": bson.M{
			"$each":  bson.A{em},
			"$slice": -maxEmbeddedEvents,
		}},
		"$set":         set,
		"$setOnInsert": onInsert,
	}
}

// userUpdate refreshes identity fields without clearing stored values
// when the provider omits them.
func userUpdate(ident ledger.Identity, now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	onInsert := bson.M{
		"tier":                 string(catalog.TierNone),
		"available_cents":      int64(0),
		"lifetime_cents":       int64(0),
		"budget_ceiling_cents": int64(0),
		"monthly_spend_cents":  int64(0),
		"currency":             "usd",
		"created_at":           now,
	}
	if ident.Subject != "" {
		set["subject"] = ident.Subject
	} else {
		onInsert["subject"] = ""
	}
	if ident.DisplayName != "" {
		set["display_name"] = ident.DisplayName
	} else {
		onInsert["display_name"] = ""
	}
	return bson.M{"$set": set, "$setOnInsert": onInsert}
}

// ==================== Sync state models ====================

type syncStateModel struct {
	grove.BaseModel `grove:"table:credit_sync_states"`

	Email            string     `grove:"email,pk"           bson:"_id"`
	LastAttemptID    string     `grove:"last_attempt_id"    bson:"last_attempt_id"`
	Pending          bool       `grove:"pending"            bson:"pending"`
	Attempts         int        `grove:"attempts"           bson:"attempts"`
	LastAttemptAt    time.Time  `grove:"last_attempt_at"    bson:"last_attempt_at"`
	LastSuccessAt    *time.Time `grove:"last_success_at"    bson:"last_success_at,omitempty"`
	LastError        string     `grove:"last_error"         bson:"last_error"`
	LastCeilingCents int64      `grove:"last_ceiling_cents" bson:"last_ceiling_cents"`
	Currency         string     `grove:"currency"           bson:"currency"`
	BudgetAction     string     `grove:"budget_action"      bson:"budget_action"`
	CustomerAction   string     `grove:"customer_action"    bson:"customer_action"`
	CacheFlushed     bool       `grove:"cache_flushed"      bson:"cache_flushed"`
}

func toSyncStateModel(st *syncstate.State) *syncStateModel {
	m := &syncStateModel{
		Email:            st.Email,
		LastAttemptID:    st.LastAttemptID.String(),
		Pending:          st.Pending,
		Attempts:         st.Attempts,
		LastAttemptAt:    st.LastAttemptAt.UTC(),
		LastError:        st.LastError,
		LastCeilingCents: st.LastCeiling.Amount,
		Currency:         st.LastCeiling.Currency,
		BudgetAction:     st.BudgetAction,
		CustomerAction:   st.CustomerAction,
		CacheFlushed:     st.CacheFlushed,
	}
	if m.Currency == "" {
		m.Currency = "usd"
	}
	if st.LastSuccessAt != nil {
		t := st.LastSuccessAt.UTC()
		m.LastSuccessAt = &t
	}
	return m
}

func fromSyncStateModel(m *syncStateModel) *syncstate.State {
	st := &syncstate.State{
		Email:          m.Email,
		Pending:        m.Pending,
		Attempts:       m.Attempts,
		LastAttemptAt:  m.LastAttemptAt,
		LastSuccessAt:  m.LastSuccessAt,
		LastError:      m.LastError,
		LastCeiling:    types.Money{Amount: m.LastCeilingCents, Currency: m.Currency},
		BudgetAction:   m.BudgetAction,
		CustomerAction: m.CustomerAction,
		CacheFlushed:   m.CacheFlushed,
	}
	if m.LastAttemptID != "" {
		if parsed, err := id.ParseSyncAttemptID(m.LastAttemptID); err == nil {
			st.LastAttemptID = parsed
		}
	}
	return st
}

// syncStateUpdate is an update pipeline so the attempt counter is computed
// from the stored document: a pending state increments, anything else
// restarts at one. Expressions in one $set stage read the stored values, so
// "$pending" is the previous flag. Values go through $literal so strings
// starting with "$" are not read as field paths. A nil LastSuccessAt
// leaves the stored value alone.
func syncStateUpdate(m *syncStateModel) mongo.Pipeline {
	set := bson.M{
		"attempts": bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{"$pending", true}},
			bson.M{"$add": bson.A{"$attempts", 1}},
			1,
		}},
		"last_attempt_id":    literal(m.LastAttemptID),
		"pending":            literal(m.Pending),
		"last_attempt_at":    literal(m.LastAttemptAt),
		"last_error":         literal(m.LastError),
		"last_ceiling_cents": literal(m.LastCeilingCents),
		"currency":           literal(m.Currency),
		"budget_action":      literal(m.BudgetAction),
		"customer_action":    literal(m.CustomerAction),
		"cache_flushed":      literal(m.CacheFlushed),
	}
	if m.LastSuccessAt != nil {
		set["last_success_at"] = literal(*m.LastSuccessAt)
	}
	return mongo.Pipeline{{{Key: "$set", Value: set}}}
}

func literal(v any) bson.M {
	return bson.M{"$literal": v}
}
