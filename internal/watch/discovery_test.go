package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractPairs(t *testing.T) {
	const (
		urlA = "https://docs.google.com/document/d/docAAAAAAAAAAA/edit"
		urlB = "https://docs.google.com/document/d/docBBBBBBBBBBB/edit?usp=sharing"
	)
	tests := []struct {
		name string
		msg  Message
		want []Pair
	}{
		{
			name: "plain content",
			msg:  Message{Content: "Approved <@42>! " + urlA},
			want: []Pair{{OwnerID: "42", DocID: "docAAAAAAAAAAA", URL: urlA}},
		},
		{
			name: "nickname mention",
			msg:  Message{Content: "<@!42> " + urlA},
			want: []Pair{{OwnerID: "42", DocID: "docAAAAAAAAAAA", URL: urlA}},
		},
		{
			name: "resolved mentions win over markup",
			msg:  Message{Content: "<@42> " + urlA, MentionIDs: []string{"7"}},
			want: []Pair{{OwnerID: "7", DocID: "docAAAAAAAAAAA", URL: urlA}},
		},
		{
			name: "every url in content belongs to the first mention",
			msg:  Message{Content: "<@42> " + urlA + " and " + urlB + " <@43>"},
			want: []Pair{
				{OwnerID: "42", DocID: "docAAAAAAAAAAA", URL: urlA},
				{OwnerID: "42", DocID: "docBBBBBBBBBBB", URL: urlB},
			},
		},
		{
			name: "one pair per card",
			msg: Message{Cards: []Card{
				{Title: "Approved", Fields: []CardField{{Name: "Owner", Value: "<@1>"}, {Name: "Sheet", Value: urlA}}},
				{Description: "<@2>", Footer: urlB},
			}},
			want: []Pair{
				{OwnerID: "1", DocID: "docAAAAAAAAAAA", URL: urlA},
				{OwnerID: "2", DocID: "docBBBBBBBBBBB", URL: urlB},
			},
		},
		{
			name: "card url with mention in content",
			msg:  Message{Content: "<@42> approved", Cards: []Card{{URL: urlA, Title: "Sheet"}}},
			want: []Pair{{OwnerID: "42", DocID: "docAAAAAAAAAAA", URL: urlA}},
		},
		{
			name: "duplicate document counted once",
			msg:  Message{Content: "<@42> " + urlA + " " + urlA},
			want: []Pair{{OwnerID: "42", DocID: "docAAAAAAAAAAA", URL: urlA}},
		},
		{name: "no mention", msg: Message{Content: urlA}},
		{name: "no document", msg: Message{Content: "<@42> welcome!"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractPairs(tt.msg))
		})
	}
}
