package notion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Content calendar property names.
const (
	PropContentID  = "Content ID"
	PropTitle      = "Title"
	PropChannel    = "Channel"
	PropPublished  = "Published"
	PropVariant    = "Variant"
	PropExperiment = "Experiment"
)

// ContentPage is a content calendar row.
type ContentPage struct {
	PageID       string
	ContentID    string
	Title        string
	Channel      string
	PublishedAt  time.Time
	VariantTag   string
	ExperimentID string
}

// ParseContentPage reads the calendar properties of p. The Notion page id
// stands in for a missing Content ID.
func ParseContentPage(p notionapi.Page) (ContentPage, error) {
	out := ContentPage{PageID: string(p.ID)}
	for name, prop := range p.Properties {
		switch name {
		case PropContentID:
			out.ContentID = propText(prop)
		case PropTitle:
			out.Title = propText(prop)
		case PropChannel:
			out.Channel = propText(prop)
		case PropVariant:
			out.VariantTag = propText(prop)
		case PropExperiment:
			out.ExperimentID = propText(prop)
		case PropPublished:
			out.PublishedAt = propDate(prop)
		}
	}
	if out.ContentID == "" {
		out.ContentID = out.PageID
	}
	if out.ContentID == "" {
		return out, eris.New("notion: content page has no id")
	}
	if out.PublishedAt.IsZero() {
		return out, eris.Errorf("notion: content %s has no %s date", out.ContentID, PropPublished)
	}
	return out, nil
}

// SetVariant writes the assigned experiment and variant back to the page.
func SetVariant(ctx context.Context, c Client, pageID, experimentID, variant string) error {
	_, err := c.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{
			PropVariant: notionapi.SelectProperty{Select: notionapi.Option{Name: variant}},
			PropExperiment: notionapi.RichTextProperty{RichText: []notionapi.RichText{
				{Text: &notionapi.Text{Content: experimentID}},
			}},
		},
	})
	if err != nil {
		return eris.Wrap(err, fmt.Sprintf("notion: set variant on %s", pageID))
	}
	return nil
}

func propText(prop notionapi.Property) string {
	switch v := prop.(type) {
	case *notionapi.TitleProperty:
		return richText(v.Title)
	case notionapi.TitleProperty:
		return richText(v.Title)
	case *notionapi.RichTextProperty:
		return richText(v.RichText)
	case notionapi.RichTextProperty:
		return richText(v.RichText)
	case *notionapi.SelectProperty:
		return v.Select.Name
	case notionapi.SelectProperty:
		return v.Select.Name
	}
	return ""
}

func propDate(prop notionapi.Property) time.Time {
	var d *notionapi.DateObject
	switch v := prop.(type) {
	case *notionapi.DateProperty:
		d = v.Date
	case notionapi.DateProperty:
		d = v.Date
	}
	if d == nil || d.Start == nil {
		return time.Time{}
	}
	return time.Time(*d.Start).UTC()
}

func richText(rt []notionapi.RichText) string {
	var sb strings.Builder
	for _, r := range rt {
		sb.WriteString(r.PlainText)
	}
	return strings.TrimSpace(sb.String())
}
