package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// InquiryIDField is the custom Lead field holding the leadflow inquiry id.
const InquiryIDField = "Leadflow_Inquiry_Id__c"

// Lead is the subset of a Salesforce Lead the sink reads back.
type Lead struct {
	ID          string `json:"Id" salesforce:"Id"`
	LastName    string `json:"LastName" salesforce:"LastName"`
	Company     string `json:"Company" salesforce:"Company"`
	Status      string `json:"Status" salesforce:"Status"`
	Rating      string `json:"Rating" salesforce:"Rating"`
	LeadSource  string `json:"LeadSource" salesforce:"LeadSource"`
	Description string `json:"Description" salesforce:"Description"`
	InquiryID   string `json:"Leadflow_Inquiry_Id__c" salesforce:"Leadflow_Inquiry_Id__c"`
}

var leadFields = []string{
	"Id", "LastName", "Company", "Status", "Rating", "LeadSource", "Description", InquiryIDField,
}

// FindLeadByInquiry returns the Lead created for inquiryID, or nil.
func FindLeadByInquiry(ctx context.Context, c Client, inquiryID string) (*Lead, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Lead WHERE %s = '%s' LIMIT 1",
		strings.Join(leadFields, ", "),
		InquiryIDField,
		escapeSoql(inquiryID),
	)

	var leads []Lead
	if err := c.Query(ctx, soql, &leads); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find lead for inquiry %s", inquiryID))
	}
	if len(leads) == 0 {
		return nil, nil
	}
	return &leads[0], nil
}

// UpsertLead updates the Lead keyed by inquiryID, creating it when none
// exists. It returns the Lead id and whether a new record was created.
func UpsertLead(ctx context.Context, c Client, inquiryID string, fields map[string]any) (string, bool, error) {
	if inquiryID == "" {
		return "", false, eris.New("sf: inquiry id is required")
	}
	existing, err := FindLeadByInquiry(ctx, c, inquiryID)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		if err := c.UpdateOne(ctx, "Lead", existing.ID, fields); err != nil {
			return "", false, eris.Wrap(err, fmt.Sprintf("sf: update lead %s", existing.ID))
		}
		return existing.ID, false, nil
	}

	if fields["LastName"] == nil || fields["LastName"] == "" {
		return "", false, eris.New("sf: lead LastName is required")
	}
	if fields["Company"] == nil || fields["Company"] == "" {
		return "", false, eris.New("sf: lead Company is required")
	}
	record := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		record[k] = v
	}
	record[InquiryIDField] = inquiryID
	id, err := c.InsertOne(ctx, "Lead", record)
	if err != nil {
		return "", false, eris.Wrap(err, fmt.Sprintf("sf: create lead for inquiry %s", inquiryID))
	}
	return id, true, nil
}

// escapeSoql escapes backslashes and single quotes in SOQL string literals.
func escapeSoql(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", `\'`)
}
