package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/model"
	sfpkg "github.com/sells-group/leadflow/pkg/salesforce"
)

// SalesforceSink creates or updates a Salesforce Lead per inquiry.
type SalesforceSink struct {
	client     sfpkg.Client
	leadSource string
}

// NewSalesforceSink creates a SalesforceSink.
func NewSalesforceSink(client sfpkg.Client, leadSource string) *SalesforceSink {
	return &SalesforceSink{client: client, leadSource: leadSource}
}

func (s *SalesforceSink) Name() string { return "salesforce" }

func (s *SalesforceSink) Send(ctx context.Context, alert model.LeadAlert) error {
	id, created, err := sfpkg.UpsertLead(ctx, s.client, alert.InquiryID, leadFields(alert, s.leadSource))
	if err != nil {
		return err
	}
	zap.L().Info("salesforce: lead synced",
		zap.String("inquiry_id", alert.InquiryID),
		zap.String("lead_id", id),
		zap.Bool("created", created),
	)
	return nil
}

func leadFields(alert model.LeadAlert, source string) map[string]any {
	lastName := alert.ActorRef
	if lastName == "" {
		lastName = alert.InquiryID
	}
	rating := "Warm"
	if alert.Tier == model.TierHot {
		rating = "Hot"
	}

	var desc strings.Builder
	desc.WriteString(Summary(alert))
	if alert.Text != "" {
		fmt.Fprintf(&desc, "\n\n%s", alert.Text)
	}

	return map[string]any{
		"LastName":    lastName,
		"Company":     "[not provided]",
		"LeadSource":  source,
		"Status":      "Open - Not Contacted",
		"Rating":      rating,
		"Description": desc.String(),
	}
}
