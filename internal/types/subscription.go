package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is the membership service level.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierVIP     Tier = "vip"
)

// Rank orders tiers for upgrade/downgrade comparisons. Unknown tiers rank -1.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierPremium:
		return 1
	case TierVIP:
		return 2
	default:
		return -1
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t.Rank() >= 0 }

// Paid reports whether t is a purchasable tier.
func (t Tier) Paid() bool { return t == TierPremium || t == TierVIP }

// BillingCycle is the recurring charge interval.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Valid reports whether c is a known cycle.
func (c BillingCycle) Valid() bool { return c == CycleMonthly || c == CycleYearly }

// AddTo advances t by one calendar period of the cycle.
func (c BillingCycle) AddTo(t time.Time) time.Time {
	if c == CycleYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// SubscriptionStatus is the local lifecycle state.
type SubscriptionStatus string

const (
	StatusTrial         SubscriptionStatus = "trial"
	StatusActive        SubscriptionStatus = "active"
	StatusGracePeriod   SubscriptionStatus = "grace_period"
	StatusPaymentFailed SubscriptionStatus = "payment_failed"
	StatusCancelled     SubscriptionStatus = "cancelled"
	StatusExpired       SubscriptionStatus = "expired"
)

// Controlling reports whether a subscription in this status governs the
// user's current benefits. At most one per user may be controlling.
func (s SubscriptionStatus) Controlling() bool {
	return s == StatusTrial || s == StatusActive || s == StatusGracePeriod
}

// Terminal reports whether the status is absorbing for gateway failure events.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// ControllingStatuses lists the statuses that count as controlling.
var ControllingStatuses = []SubscriptionStatus{StatusTrial, StatusActive, StatusGracePeriod}

// GatewayProvider names the billing provider that owns the remote subscription.
type GatewayProvider string

const (
	GatewayRazorpay GatewayProvider = "razorpay"
	GatewayStripe   GatewayProvider = "stripe"
)

// SubscriptionSource records where the signup originated.
type SubscriptionSource string

const (
	SourceWeb      SubscriptionSource = "web"
	SourceApp      SubscriptionSource = "app"
	SourceReferral SubscriptionSource = "referral"
	SourceSupport  SubscriptionSource = "support"
)

// Valid reports whether s is a known source.
func (s SubscriptionSource) Valid() bool {
	switch s {
	case SourceWeb, SourceApp, SourceReferral, SourceSupport:
		return true
	}
	return false
}

// Benefits is the per-tier feature snapshot stored alongside a subscription.
type Benefits struct {
	CashbackMultiplier   int  `json:"cashbackMultiplier"`
	FreeDelivery         bool `json:"freeDelivery"`
	PrioritySupport      bool `json:"prioritySupport"`
	ExclusiveDeals       bool `json:"exclusiveDeals"`
	UnlimitedWishlists   bool `json:"unlimitedWishlists"`
	EarlyFlashSaleAccess bool `json:"earlyFlashSaleAccess"`
	PersonalShopper      bool `json:"personalShopper"`
	PremiumEvents        bool `json:"premiumEvents"`
	ConciergeService     bool `json:"conciergeService"`
	BirthdayOffer        bool `json:"birthdayOffer"`
	AnniversaryOffer     bool `json:"anniversaryOffer"`
}

// Usage holds the counters accumulated by applying tier benefits to orders.
type Usage struct {
	TotalSavings       decimal.Decimal `json:"totalSavings"`
	OrdersThisMonth    int             `json:"ordersThisMonth"`
	OrdersAllTime      int             `json:"ordersAllTime"`
	CashbackEarned     decimal.Decimal `json:"cashbackEarned"`
	DeliveryFeesSaved  decimal.Decimal `json:"deliveryFeesSaved"`
	ExclusiveDealsUsed int             `json:"exclusiveDealsUsed"`
	LastUsedAt         *time.Time      `json:"lastUsedAt,omitempty"`
}

// SubscriptionMetadata carries attribution for the signup.
type SubscriptionMetadata struct {
	Source    SubscriptionSource `json:"source"`
	Campaign  string             `json:"campaign,omitempty"`
	PromoCode string             `json:"promoCode,omitempty"`
	Discount  decimal.Decimal    `json:"discount"`
}

// Subscription is the local mirror of a remote recurring-billing subscription.
// Rows are never deleted; cancelled and expired rows form the billing history.
type Subscription struct {
	ID                     string          `json:"id"`
	UserID                 string          `json:"userId"`
	Gateway                GatewayProvider `json:"gateway"`
	ExternalSubscriptionID string          `json:"externalSubscriptionId,omitempty"`
	ExternalPlanID         string          `json:"externalPlanId,omitempty"`
	ExternalCustomerID     string          `json:"externalCustomerId,omitempty"`

	Tier         Tier               `json:"tier"`
	BillingCycle BillingCycle       `json:"billingCycle"`
	Price        decimal.Decimal    `json:"price"`
	Status       SubscriptionStatus `json:"status"`

	StartDate    time.Time  `json:"startDate"`
	EndDate      time.Time  `json:"endDate"`
	TrialEndDate *time.Time `json:"trialEndDate,omitempty"`
	AutoRenew    bool       `json:"autoRenew"`

	Benefits Benefits `json:"benefits"`
	Usage    Usage    `json:"usage"`

	PreviousTier          Tier            `json:"previousTier,omitempty"`
	UpgradeDate           *time.Time      `json:"upgradeDate,omitempty"`
	DowngradeScheduledFor *time.Time      `json:"downgradeScheduledFor,omitempty"`
	DowngradeTargetTier   Tier            `json:"downgradeTargetTier,omitempty"`
	ProratedCredit        decimal.Decimal `json:"proratedCredit"`

	CancellationDate          *time.Time `json:"cancellationDate,omitempty"`
	CancellationReason        string     `json:"cancellationReason,omitempty"`
	CancellationFeedback      string     `json:"cancellationFeedback,omitempty"`
	ReactivationEligibleUntil *time.Time `json:"reactivationEligibleUntil,omitempty"`

	GracePeriodStartDate *time.Time `json:"gracePeriodStartDate,omitempty"`
	PaymentRetryCount    int        `json:"paymentRetryCount"`
	LastPaymentRetryDate *time.Time `json:"lastPaymentRetryDate,omitempty"`

	IsGrandfathered    bool            `json:"isGrandfathered"`
	GrandfatheredPrice decimal.Decimal `json:"grandfatheredPrice"`

	Metadata SubscriptionMetadata `json:"metadata"`

	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy; pointer fields are duplicated so a mutation of
// the clone never reaches the original snapshot.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.TrialEndDate = cloneTime(s.TrialEndDate)
	c.UpgradeDate = cloneTime(s.UpgradeDate)
	c.DowngradeScheduledFor = cloneTime(s.DowngradeScheduledFor)
	c.CancellationDate = cloneTime(s.CancellationDate)
	c.ReactivationEligibleUntil = cloneTime(s.ReactivationEligibleUntil)
	c.GracePeriodStartDate = cloneTime(s.GracePeriodStartDate)
	c.LastPaymentRetryDate = cloneTime(s.LastPaymentRetryDate)
	c.Usage.LastUsedAt = cloneTime(s.Usage.LastUsedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }

// IsActive reports whether the snapshot currently grants benefits.
// Grace-period subscriptions stay usable while the payment is retried.
func IsActive(s *Subscription) bool {
	return s != nil && s.Status.Controlling()
}

// CanUpgrade reports whether a higher tier exists for the snapshot.
func CanUpgrade(s *Subscription) bool {
	return IsActive(s) && (s.Tier == TierFree || s.Tier == TierPremium)
}

// CanDowngrade reports whether a lower tier exists for the snapshot.
func CanDowngrade(s *Subscription) bool {
	return IsActive(s) && (s.Tier == TierPremium || s.Tier == TierVIP)
}

// RemainingDays returns whole days until EndDate, never negative.
func RemainingDays(s *Subscription, now time.Time) int {
	if s == nil || !now.Before(s.EndDate) {
		return 0
	}
	return int(s.EndDate.Sub(now).Hours() / 24)
}

// GracePeriodLength is how long a subscription stays usable after a missed
// charge or a lapsed non-renewing period.
const GracePeriodLength = 3 * 24 * time.Hour

// ReactivationWindow is how long after cancellation renew is still allowed.
const ReactivationWindow = 30 * 24 * time.Hour

// TrialLength is the free trial granted on subscribe.
const TrialLength = 7 * 24 * time.Hour

// InGracePeriod reports whether the snapshot is inside its grace window.
func InGracePeriod(s *Subscription, now time.Time) bool {
	if s == nil || s.Status != StatusGracePeriod || s.GracePeriodStartDate == nil {
		return false
	}
	return now.Before(s.GracePeriodStartDate.Add(GracePeriodLength))
}

// CanReactivate reports whether renew is still permitted at now.
func CanReactivate(s *Subscription, now time.Time) bool {
	if s == nil || s.ReactivationEligibleUntil == nil {
		return false
	}
	return !now.After(*s.ReactivationEligibleUntil)
}
