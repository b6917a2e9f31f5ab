package validator

import "testing"

type statusBody struct {
	Status string `json:"status" validate:"required,credit_status"`
	Order  string `json:"order,omitempty" validate:"omitempty,oneof=asc desc"`
	UserID int64  `json:"user_id" validate:"required,gt=0"`
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		body   statusBody
		fields []string
	}{
		{"valid", statusBody{Status: "active", Order: "desc", UserID: 1}, nil},
		{"unknown status", statusBody{Status: "frozen", UserID: 1}, []string{"status"}},
		{"bad order", statusBody{Status: "pending", Order: "up", UserID: 1}, []string{"order"}},
		{"missing user", statusBody{Status: "deleted"}, []string{"user_id"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(&tt.body)
			if len(tt.fields) == 0 {
				if errs != nil {
					t.Fatalf("expected no errors, got %v", errs)
				}
				return
			}
			for _, f := range tt.fields {
				if _, ok := errs[f]; !ok {
					t.Fatalf("expected error on %q, got %v", f, errs)
				}
			}
		})
	}
}
