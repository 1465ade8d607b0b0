package transport

import "testing"

func TestPollResultVotes(t *testing.T) {
	t.Parallel()
	r := PollResult{Options: []PollOption{{Text: "Yes", Votes: 4}, {Text: "No", Votes: 2}}, Total: 6}
	if got := r.Votes("Yes"); got != 4 {
		t.Fatalf("Votes(Yes) = %d", got)
	}
	if got := r.Votes("Maybe"); got != 0 {
		t.Fatalf("Votes(Maybe) = %d", got)
	}
}
