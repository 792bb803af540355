package domain

import "fmt"

type Status string

const (
	StatusNew                 Status = "new"
	StatusAssigned            Status = "assigned"
	StatusWaitingReview       Status = "waiting_review"
	StatusInReview            Status = "in_review"
	StatusWaitingRework       Status = "waiting_rework"
	StatusRework              Status = "rework"
	StatusApproved            Status = "approved"
	StatusApprovedF           Status = "approved_f"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusClosedN             Status = "closed_n"
	StatusClosedI             Status = "closed_i"
	StatusClosedOP            Status = "closed_op"
	StatusClosedF             Status = "closed_f"
)

var allStatuses = []Status{
	StatusNew, StatusAssigned, StatusWaitingReview, StatusInReview, StatusWaitingRework, StatusRework,
	StatusApproved, StatusApprovedF, StatusPendingConfirmation,
	StatusClosedN, StatusClosedI, StatusClosedOP, StatusClosedF,
}

// Statuses lists every status in declaration order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal statuses never change again except through an admin reset, which refuses them.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusApprovedF, StatusClosedN, StatusClosedI, StatusClosedOP, StatusClosedF:
		return true
	}
	return false
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", v)
	}
	return s, nil
}

// Reason qualifies a close or a report.
type Reason string

const (
	ReasonN  Reason = "n"
	ReasonI  Reason = "i"
	ReasonOP Reason = "op"
)

// ClosedStatus maps a reason to its terminal status.
func (r Reason) ClosedStatus() (Status, error) {
	switch r {
	case ReasonN:
		return StatusClosedN, nil
	case ReasonI:
		return StatusClosedI, nil
	case ReasonOP:
		return StatusClosedOP, nil
	default:
		return "", fmt.Errorf("invalid reason %q", string(r))
	}
}

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleAnnotator Role = "annotator"
	RoleValidator Role = "validator"
)

func ParseRole(v string) (Role, error) {
	switch Role(v) {
	case RoleAdmin, RoleAnnotator, RoleValidator:
		return Role(v), nil
	}
	return "", fmt.Errorf("invalid role %q", v)
}

type Product string

const (
	ProductChestCT Product = "chest_ct"
	ProductHeadCT  Product = "head_ct"
	ProductDX      Product = "dx"
	ProductMMG     Product = "mmg"
	ProductDental  Product = "dental"
	ProductSkin    Product = "skin"
)

func ParseProduct(v string) (Product, error) {
	switch Product(v) {
	case ProductChestCT, ProductHeadCT, ProductDX, ProductMMG, ProductDental, ProductSkin:
		return Product(v), nil
	}
	return "", fmt.Errorf("invalid product %q", v)
}

// Transition tags an audit row with the operation that produced it.
type Transition string

const (
	TransitionIngest              Transition = "ingest"
	TransitionClaim               Transition = "claim"
	TransitionReviewRequest       Transition = "review_request"
	TransitionReport              Transition = "report"
	TransitionReviewClaim         Transition = "review_claim"
	TransitionApprove             Transition = "approve"
	TransitionClose               Transition = "close"
	TransitionReject              Transition = "reject"
	TransitionReworkPickup        Transition = "rework_pickup"
	TransitionReworkReviewRequest Transition = "rework_review_request"
	TransitionReworkReviewStart   Transition = "rework_review_start"
	TransitionSelfAnnotate        Transition = "self_annotate"
	TransitionSelfClose           Transition = "self_close"
	TransitionReset               Transition = "reset"
)
