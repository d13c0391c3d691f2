// Package timeline renders a click audit record as the stage-by-stage
// timeline shown in dashboards.
package timeline

import (
	"time"

	"golang.org/x/text/language"

	"github.com/clickroute/clickroute/internal/model"
)

// StatusPending marks a stage the click has not reached yet.
const StatusPending = "pending"

// Entry is one row of the timeline.
type Entry struct {
	Stage  string     `json:"stage"`
	Label  string     `json:"label"`
	Status string     `json:"status"`
	Detail string     `json:"detail,omitempty"`
	At     *time.Time `json:"at,omitempty"`
}

// Timeline is the dashboard view of one click.
type Timeline struct {
	ClickID      string             `json:"click_id"`
	Status       model.ClickStatus  `json:"status"`
	RejectReason model.RejectReason `json:"reject_reason,omitempty"`
	Language     string             `json:"language"`
	Stages       []Entry            `json:"stages"`
}

var supported = []language.Tag{
	language.English, // first entry is the fallback
	language.German,
	language.Spanish,
	language.Russian,
}

var matcher = language.NewMatcher(supported)

var labels = map[string][model.StageCount]string{
	"en": {"Click received", "Offer resolved", "Landing selected", "Geo check", "Cap check", "Fraud screen", "Redirect"},
	"de": {"Klick empfangen", "Angebot ermittelt", "Landingpage gewählt", "Geo-Prüfung", "Cap-Prüfung", "Betrugsprüfung", "Weiterleitung"},
	"es": {"Clic recibido", "Oferta resuelta", "Landing seleccionada", "Control geográfico", "Control de límite", "Control de fraude", "Redirección"},
	"ru": {"Клик получен", "Оффер найден", "Лендинг выбран", "Проверка гео", "Проверка лимита", "Антифрод", "Редирект"},
}

// Negotiate picks the label language for an Accept-Language header value.
func Negotiate(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return supported[0]
	}
	_, idx, _ := matcher.Match(tags...)
	return supported[idx]
}

// Label returns the localized name of a stage.
func Label(stage model.Stage, lang language.Tag) string {
	base, _ := lang.Base()
	set, ok := labels[base.String()]
	if !ok {
		set = labels["en"]
	}
	if !stage.Valid() {
		return stage.String()
	}
	return set[stage]
}

// Build renders rec. Stages without an outcome yet are pending.
func Build(rec *model.ClickRecord, lang language.Tag) Timeline {
	base, _ := lang.Base()
	t := Timeline{
		ClickID:      rec.ID,
		Status:       rec.Status,
		RejectReason: rec.RejectReason,
		Language:     base.String(),
		Stages:       make([]Entry, 0, model.StageCount),
	}

	for _, stage := range model.Stages() {
		e := Entry{
			Stage:  stage.String(),
			Label:  Label(stage, lang),
			Status: StatusPending,
		}
		if o, ok := rec.Outcome(stage); ok {
			e.Status = string(o.Outcome)
			e.Detail = o.Detail
			if !o.At.IsZero() {
				at := o.At
				e.At = &at
			}
		}
		t.Stages = append(t.Stages, e)
	}
	return t
}
