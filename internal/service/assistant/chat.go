package assistant

import (
	"context"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"langy/internal/config"
	"langy/internal/models"
	"langy/internal/prompt"
	"langy/internal/render"
	"langy/internal/repair"
	"langy/internal/service/ai"
	"langy/internal/session"
)

func (s *Service) chat(ctx context.Context, p config.Profile, client ai.Client, conv *session.Conversation, turn *session.Turn, res *TurnResult, onChunk ChunkFunc) error {
	content, err := prompt.Render(p.UserTemplate, turn.Text())
	if err != nil {
		s.abandon(p, res, err, "")
		return nil
	}
	var msgs []models.Message
	if p.History == config.HistoryOneOff {
		msgs = conv.Seed()
	} else {
		all := turn.Messages()
		msgs = all[:len(all)-1]
	}
	msgs = append(msgs, userMessage(content))

	var out *ai.Result
	if p.Stream {
		var stream *ai.Stream
		stream, err = client.Stream(ctx, msgs, p.Temperature)
		if err == nil {
			out, err = ai.Drain(stream, onChunk)
			if err != nil {
				s.abandon(p, res, err, stream.Text())
				return nil
			}
		}
	} else {
		out, err = client.Complete(ctx, msgs, p.Temperature)
	}
	if err != nil {
		s.abandon(p, res, err, "")
		return nil
	}

	cost := p.Pricing.Cost(out.Usage.PromptTokens, out.Usage.CompletionTokens)
	if err := turn.Commit(out.Text, out.Usage, cost); err != nil {
		return err
	}
	res.Committed = true
	res.Reply = out.Text
	res.Usage = out.Usage
	res.Cost = cost
	res.add(render.Markdown(render.StripFence(out.Text)))

	if p.ReplySuffix != "" {
		if p.Stream && onChunk != nil {
			// best effort; the reply is already committed
			_ = onChunk(p.ReplySuffix)
		}
		res.add(p.ReplySuffix)
	}
	if p.ExtractOrder {
		if order, ok := extractOrder(s.repairer, out.Text); ok {
			res.Order = order
			res.add(render.Order(*order))
		}
	}
	return nil
}

// extractOrder looks for the JSON order summary the bot emits once the
// customer is done.
func extractOrder(r repair.Repairer, reply string) (*models.Order, bool) {
	parsed := r.Repair(reply)
	if !parsed.Parsed() {
		return nil, false
	}
	obj := gjson.ParseBytes(parsed.Value)
	if nested := obj.Get("order"); nested.IsObject() && !obj.Get("waffle_type").Exists() {
		obj = nested
	}
	waffle := obj.Get("waffle_type")
	if !waffle.Exists() {
		return nil, false
	}
	order := &models.Order{
		WaffleType: waffle.String(),
		Toppings:   stringList(obj.Get("toppings")),
		Drinks:     stringList(obj.Get("drinks")),
	}
	for _, key := range []string{"total_price", "total"} {
		if v := obj.Get(key); v.Exists() {
			order.TotalPrice = price(v)
			break
		}
	}
	return order, true
}

func stringList(v gjson.Result) []string {
	var out []string
	switch {
	case v.IsArray():
		for _, item := range v.Array() {
			if s := strings.TrimSpace(item.String()); s != "" {
				out = append(out, s)
			}
		}
	case v.Type == gjson.String:
		for _, part := range strings.Split(v.Str, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func price(v gjson.Result) float64 {
	if v.Type == gjson.Number {
		return v.Float()
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v.String()), "$")), 64)
	if err != nil {
		return 0
	}
	return f
}
