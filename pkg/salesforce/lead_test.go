package salesforce

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindLeadByInquiry(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		var soql string
		mc := &mockClient{
			queryFn: func(_ context.Context, q string, out any) error {
				soql = q
				*(out.(*[]Lead)) = []Lead{{ID: "00Qxx", InquiryID: "inq_1"}}
				return nil
			},
		}
		lead, err := FindLeadByInquiry(context.Background(), mc, "inq_1")
		require.NoError(t, err)
		require.NotNil(t, lead)
		assert.Equal(t, "00Qxx", lead.ID)
		assert.Contains(t, soql, "FROM Lead WHERE Leadflow_Inquiry_Id__c = 'inq_1'")
	})

	t.Run("not found", func(t *testing.T) {
		lead, err := FindLeadByInquiry(context.Background(), &mockClient{}, "inq_2")
		require.NoError(t, err)
		assert.Nil(t, lead)
	})

	t.Run("escapes quotes", func(t *testing.T) {
		var soql string
		mc := &mockClient{queryFn: func(_ context.Context, q string, _ any) error {
			soql = q
			return nil
		}}
		_, err := FindLeadByInquiry(context.Background(), mc, "inq_' OR Id != '")
		require.NoError(t, err)
		assert.Contains(t, soql, `'inq_\' OR Id != \''`)
	})

	t.Run("propagates error", func(t *testing.T) {
		mc := &mockClient{queryFn: func(context.Context, string, any) error { return errors.New("boom") }}
		_, err := FindLeadByInquiry(context.Background(), mc, "inq_1")
		assert.ErrorContains(t, err, "find lead for inquiry inq_1")
	})
}

func TestUpsertLead(t *testing.T) {
	fields := map[string]any{"LastName": "jdoe", "Company": "Unknown", "Rating": "Hot"}

	t.Run("creates", func(t *testing.T) {
		var captured map[string]any
		mc := &mockClient{
			insertOneFn: func(_ context.Context, obj string, rec map[string]any) (string, error) {
				assert.Equal(t, "Lead", obj)
				captured = rec
				return "00Qnew", nil
			},
		}
		id, created, err := UpsertLead(context.Background(), mc, "inq_1", fields)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "00Qnew", id)
		assert.Equal(t, "inq_1", captured[InquiryIDField])
		_, leaked := fields[InquiryIDField]
		assert.False(t, leaked)
	})

	t.Run("updates existing", func(t *testing.T) {
		var updated string
		mc := &mockClient{
			queryFn: func(_ context.Context, _ string, out any) error {
				*(out.(*[]Lead)) = []Lead{{ID: "00Qold"}}
				return nil
			},
			insertOneFn: func(context.Context, string, map[string]any) (string, error) {
				t.Fatal("insert must not be called")
				return "", nil
			},
			updateOneFn: func(_ context.Context, _ string, id string, _ map[string]any) error {
				updated = id
				return nil
			},
		}
		id, created, err := UpsertLead(context.Background(), mc, "inq_1", fields)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "00Qold", id)
		assert.Equal(t, "00Qold", updated)
	})

	t.Run("requires company on create", func(t *testing.T) {
		_, _, err := UpsertLead(context.Background(), &mockClient{}, "inq_1", map[string]any{"LastName": "x"})
		assert.ErrorContains(t, err, "Company is required")
	})

	t.Run("requires inquiry id", func(t *testing.T) {
		_, _, err := UpsertLead(context.Background(), &mockClient{}, "", fields)
		assert.Error(t, err)
	})
}
