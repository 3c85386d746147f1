package content

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// TemplateProvider is the terminal, local content generator. It renders
// subject and body from fixed Liquid templates over per-language
// vocabularies, requires no network, and therefore cannot fail — the
// property the whole fallback chain bottoms out on.
type TemplateProvider struct {
	engine *liquid.Engine

	mu  sync.Mutex
	rng *rand.Rand
}

type vocabulary struct {
	Greetings []string
	Topics    []string
	Leads     []string
	Closings  []string
	ReplyAcks []string
}

var vocabularies = map[string]vocabulary{
	"en": {
		Greetings: []string{"Hi", "Hello", "Hey", "Good morning", "Good afternoon"},
		Topics: []string{
			"the quarterly planning notes", "the schedule for next week",
			"that article you mentioned", "the new coffee place near the office",
			"the project timeline", "the team offsite", "the budget review",
			"the client call yesterday", "the conference next month",
		},
		Leads: []string{
			"I wanted to follow up on", "Quick note about",
			"I was just thinking about", "Wanted to check in on",
			"Circling back on",
		},
		Closings: []string{
			"Talk soon,", "Best,", "Thanks,", "Cheers,", "Have a great day,",
		},
		ReplyAcks: []string{
			"Thanks for the note — that makes sense to me.",
			"Got it, thanks for sending this over.",
			"Appreciate the update, this is helpful.",
			"Sounds good on my end.",
		},
	},
	"es": {
		Greetings: []string{"Hola", "Buenos días", "Buenas tardes"},
		Topics: []string{
			"las notas de planificación", "el calendario de la próxima semana",
			"el artículo que mencionaste", "la revisión del presupuesto",
			"la llamada con el cliente",
		},
		Leads:     []string{"Quería comentarte sobre", "Una nota rápida sobre", "Estaba pensando en"},
		Closings:  []string{"Saludos,", "Gracias,", "Hasta pronto,"},
		ReplyAcks: []string{"Gracias por el mensaje, me parece bien.", "Recibido, gracias por enviarlo."},
	},
	"fr": {
		Greetings: []string{"Bonjour", "Salut", "Bonsoir"},
		Topics: []string{
			"les notes de planification", "le calendrier de la semaine prochaine",
			"l'article dont tu parlais", "la revue du budget",
		},
		Leads:     []string{"Je voulais revenir sur", "Un petit mot concernant", "Je pensais justement à"},
		Closings:  []string{"À bientôt,", "Merci,", "Bonne journée,"},
		ReplyAcks: []string{"Merci pour ton message, ça me convient.", "Bien reçu, merci."},
	},
	"de": {
		Greetings: []string{"Hallo", "Guten Morgen", "Guten Tag"},
		Topics: []string{
			"die Planungsnotizen", "den Terminplan für nächste Woche",
			"den Artikel, den du erwähnt hast", "die Budgetprüfung",
		},
		Leads:     []string{"Ich wollte kurz nachfragen wegen", "Eine kurze Notiz zu", "Ich habe gerade über"},
		Closings:  []string{"Viele Grüße,", "Danke,", "Bis bald,"},
		ReplyAcks: []string{"Danke für deine Nachricht, das passt für mich.", "Angekommen, danke dir."},
	},
}

const (
	subjectTemplate = `{{ lead }} {{ topic }}`
	bodyTemplate    = `{{ greeting }} there,

{{ lead }} {{ topic }}. {{ filler }}

{{ closing }}
{{ sender }}`
	replyBodyTemplate = `{{ greeting }},

{{ ack }} {{ filler }}

{{ closing }}
{{ sender }}`
)

var fillers = map[string][]string{
	"en": {
		"Let me know what you think when you get a chance.",
		"No rush on this, just keeping it on the radar.",
		"Happy to chat about it whenever works for you.",
		"Let me know if anything changed on your side.",
	},
	"es": {"Avísame qué opinas cuando puedas.", "Sin prisa, solo para tenerlo presente."},
	"fr": {"Dis-moi ce que tu en penses quand tu as un moment.", "Rien d'urgent, juste pour info."},
	"de": {"Sag mir Bescheid, was du denkst.", "Keine Eile, nur zur Info."},
}

// NewTemplateProvider creates the local fallback generator.
func NewTemplateProvider() *TemplateProvider {
	return &TemplateProvider{
		engine: liquid.NewEngine(),
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}
}

// SetSeed makes topic/tone selection deterministic (tests only).
func (p *TemplateProvider) SetSeed(seed int64) {
	p.mu.Lock()
	p.rng = rand.New(rand.NewSource(seed))
	p.mu.Unlock()
}

// Name identifies the provider on generated records.
func (p *TemplateProvider) Name() string { return "local-template" }

// Generate renders content locally. The error return exists only to
// satisfy the Provider interface; it is always nil.
func (p *TemplateProvider) Generate(_ context.Context, req Request) (Content, error) {
	vocab, ok := vocabularies[req.Language]
	if !ok {
		vocab = vocabularies["en"]
	}
	fills, ok := fillers[req.Language]
	if !ok {
		fills = fillers["en"]
	}

	sender := req.SenderName
	if sender == "" {
		sender = "Me"
	}

	bindings := liquid.Bindings{
		"greeting": p.pick(vocab.Greetings),
		"lead":     p.pick(vocab.Leads),
		"topic":    p.pick(vocab.Topics),
		"closing":  p.pick(vocab.Closings),
		"filler":   p.pick(fills),
		"sender":   sender,
	}

	if req.IsReply {
		bindings["ack"] = p.pick(vocab.ReplyAcks)
		body := p.render(replyBodyTemplate, bindings)
		return Content{Subject: replySubject(req.OriginalSubject), Body: body}, nil
	}

	subject := p.render(subjectTemplate, bindings)
	body := p.render(bodyTemplate, bindings)
	return Content{Subject: capitalize(subject), Body: body}, nil
}

// render must not fail: templates are fixed and bindings are strings.
// A render error would be a programming bug, so fall back to a plain
// concatenation rather than propagate it.
func (p *TemplateProvider) render(tmpl string, bindings liquid.Bindings) string {
	out, err := p.engine.ParseAndRenderString(tmpl, bindings)
	if err != nil {
		return fmt.Sprintf("%v %v", bindings["lead"], bindings["topic"])
	}
	return out
}

func (p *TemplateProvider) pick(options []string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return options[p.rng.Intn(len(options))]
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
