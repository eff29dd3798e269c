// Package wizard drives one patient through the evaluation funnel: intake,
// screening, premium evaluation payment and scheduling.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/dental-evaluation-funnel/internal/auth"
	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
	"github.com/wolfman30/dental-evaluation-funnel/internal/events"
	"github.com/wolfman30/dental-evaluation-funnel/internal/imaging"
	"github.com/wolfman30/dental-evaluation-funnel/internal/leads"
	"github.com/wolfman30/dental-evaluation-funnel/internal/payments"
	"github.com/wolfman30/dental-evaluation-funnel/internal/scheduling"
	"github.com/wolfman30/dental-evaluation-funnel/internal/screening"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// Patient-facing messages.
const (
	msgRetry            = "Ocurrió un problema. Intenta nuevamente."
	msgPatientNotFound  = "No encontramos un paciente con esos datos."
	msgPaymentPending   = "Tu pago aún está en proceso. Intenta verificar nuevamente en unos segundos."
	msgPaymentRejected  = "El pago fue rechazado. Puedes intentar nuevamente."
	msgPaymentsDown     = "El sistema de pagos no está disponible en este momento."
	msgManualScheduling = "No pudimos agendar automáticamente. Agenda tu hora en el enlace indicado."
	msgSlotTaken        = "Ese horario ya no está disponible. Elige otro."
	msgCancelled        = "Esta evaluación fue cancelada."
)

// Wizard is one patient session. Actions are serialized: a second action
// while one runs fails with ErrActionInFlight.
type Wizard struct {
	id   string
	deps Deps
	cfg  Config
	log  *logging.Logger

	action sync.Mutex

	mu      sync.RWMutex
	step    Step
	subStep SubStep
	data    Data
	err     *Error
	// images holds the normalized uploads so screening does not re-read them.
	images []screening.Image
}

func newWizard(id string, deps Deps, cfg Config) *Wizard {
	return &Wizard{
		id:   id,
		deps: deps,
		cfg:  cfg,
		log:  deps.Logger.Component("wizard").With("session_id", id),
		step: StepEntry,
	}
}

// New starts a session at the entry step.
func New(deps Deps, cfg Config) *Wizard {
	return newWizard(uuid.NewString(), deps.withDefaults(), cfg.withDefaults())
}

func (w *Wizard) ID() string { return w.id }

// Snapshot is safe to call while an action is running.
func (w *Wizard) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshotLocked()
}

func (w *Wizard) snapshotLocked() Snapshot {
	snap := Snapshot{SessionID: w.id, Step: w.step, SubStep: w.subStep, Data: w.data.clone()}
	if w.err != nil && w.cfg.Clock().Before(w.err.ExpiresAt) {
		e := *w.err
		snap.Error = &e
	}
	return snap
}

// State returns the persistable form of the session.
func (w *Wizard) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st := State{ID: w.id, Step: w.step, SubStep: w.subStep, Data: w.data.clone(), SavedAt: w.cfg.Clock()}
	if w.err != nil {
		e := *w.err
		st.Error = &e
	}
	return st
}

func restore(st State, deps Deps, cfg Config) *Wizard {
	w := newWizard(st.ID, deps, cfg)
	w.step, w.subStep, w.data, w.err = st.Step, st.SubStep, st.Data.clone(), st.Error
	if w.step == "" {
		w.step = StepEntry
	}
	return w
}

// run serializes an action and records its outcome.
func (w *Wizard) run(name string, fn func() error) (Snapshot, error) {
	if !w.action.TryLock() {
		w.observeAction(name, "busy")
		return w.Snapshot(), ErrActionInFlight
	}
	defer w.action.Unlock()

	err := fn()
	var verr *ValidationError
	switch {
	case err == nil:
		w.mu.RLock()
		outcome := "ok"
		if w.err != nil {
			outcome = string(w.err.Kind)
		}
		w.mu.RUnlock()
		w.observeAction(name, outcome)
	case errors.As(err, &verr):
		w.setError(KindValidation, verr.Error())
		w.observeAction(name, "validation")
	default:
		w.observeAction(name, "rejected")
	}
	return w.Snapshot(), err
}

func (w *Wizard) observeAction(name, outcome string) {
	if w.deps.Recorder != nil {
		w.deps.Recorder.ObserveAction(name, outcome)
	}
}

func (w *Wizard) observeStage(from, to evaluation.Stage) {
	if w.deps.Recorder != nil && from != to {
		w.deps.Recorder.ObserveStageTransition(string(from), string(to))
	}
}

func (w *Wizard) setError(kind ErrorKind, msg string) {
	w.mu.Lock()
	w.err = &Error{Kind: kind, Message: msg, ExpiresAt: w.cfg.Clock().Add(w.cfg.ErrorDisplay)}
	w.mu.Unlock()
}

// moveTo changes the step and clears any pending error.
func (w *Wizard) moveTo(step Step, sub SubStep) {
	w.mu.Lock()
	w.step, w.subStep, w.err = step, sub, nil
	w.mu.Unlock()
}

func (w *Wizard) update(fn func(d *Data)) {
	w.mu.Lock()
	fn(&w.data)
	w.mu.Unlock()
}

func (w *Wizard) current() (Step, SubStep, Data) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.step, w.subStep, w.data.clone()
}

func (w *Wizard) require(step Step, subs ...SubStep) error {
	cur, sub, _ := w.current()
	if cur != step {
		return fmt.Errorf("%w: %s", ErrInvalidStep, cur)
	}
	if len(subs) == 0 {
		return nil
	}
	for _, s := range subs {
		if s == sub {
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrInvalidStep, cur, sub)
}

// SelectRoute chooses the entry route. Existing patients log in first.
func (w *Wizard) SelectRoute(ctx context.Context, route evaluation.RouteType) (Snapshot, error) {
	return w.run("select_route", func() error {
		if err := w.require(StepEntry); err != nil {
			return err
		}
		if !route.Valid() {
			verr := &ValidationError{}
			verr.add("route", "unknown route")
			return verr
		}
		w.update(func(d *Data) { d.RouteType = route })
		if route == evaluation.RouteExistingPatient {
			w.moveTo(StepExistingLogin, SubStepNone)
		} else {
			w.moveTo(StepQuestionnaire, SubStepNone)
		}
		return nil
	})
}

// LoginExisting identifies a returning patient by national id, falling back
// to email, in the clinic system and the funnel's own records.
func (w *Wizard) LoginExisting(ctx context.Context, nationalID, email string) (Snapshot, error) {
	return w.run("login_existing", func() error {
		if err := w.require(StepExistingLogin); err != nil {
			return err
		}
		rut, err := auth.NormalizeRUT(nationalID)
		if err != nil {
			verr := &ValidationError{}
			verr.add("rut", "invalid national id")
			return verr
		}
		email = strings.ToLower(strings.TrimSpace(email))

		var externalID string
		if w.deps.Scheduler != nil {
			pid, err := w.deps.Scheduler.FindPatient(ctx, scheduling.Identity{NationalID: rut, Email: email})
			switch {
			case err == nil:
				externalID = pid
			case errors.Is(err, scheduling.ErrPatientNotFound), errors.Is(err, scheduling.ErrNotConfigured):
			default:
				w.log.Warn("clinic patient lookup failed", "error", err)
				w.setError(KindAdapterUnavailable, msgRetry)
				return nil
			}
		}

		var lead *leads.Lead
		if w.deps.Leads != nil {
			found, err := leads.FindExisting(ctx, w.deps.Leads, rut, email)
			if err != nil && !errors.Is(err, leads.ErrLeadNotFound) {
				w.log.Warn("lead lookup failed", "error", err)
			}
			lead = found
		}
		var prior *evaluation.Evaluation
		if lead == nil {
			prior = w.priorEvaluation(ctx, rut, email)
		}
		if externalID == "" && lead == nil && prior == nil {
			w.setError(KindNotFound, msgPatientNotFound)
			return nil
		}

		w.update(func(d *Data) {
			d.NationalID = rut
			d.Email = email
			d.ExternalPatientID = externalID
			if lead != nil {
				d.LeadID = lead.ID
				d.Name = lead.Name
				d.Phone = lead.Phone
				if d.Email == "" {
					d.Email = lead.Email
				}
				if d.ExternalPatientID == "" {
					d.ExternalPatientID = lead.ExternalPatientID
				}
			}
			if prior != nil {
				d.LeadID = prior.LeadID
				d.Name = prior.Name
				d.Phone = prior.Phone
				if d.Email == "" {
					d.Email = prior.Email
				}
				if d.ExternalPatientID == "" {
					d.ExternalPatientID = prior.ExternalPatientID
				}
			}
		})
		w.moveTo(StepExistingChoice, SubStepNone)
		return nil
	})
}

func (w *Wizard) priorEvaluation(ctx context.Context, rut, email string) *evaluation.Evaluation {
	ev, err := w.deps.Evaluations.FindByNationalID(ctx, rut)
	if err == nil {
		return ev
	}
	if email != "" {
		if ev, err = w.deps.Evaluations.FindByEmail(ctx, email); err == nil {
			return ev
		}
	}
	if !errors.Is(err, evaluation.ErrNotFound) {
		w.log.Warn("evaluation lookup failed", "error", err)
	}
	return nil
}

// ChooseControl ends the funnel with the routine check-up channel. No
// evaluation or payment is created.
func (w *Wizard) ChooseControl(ctx context.Context) (Snapshot, error) {
	return w.run("choose_control", func() error {
		if err := w.require(StepExistingChoice); err != nil {
			return err
		}
		w.update(func(d *Data) { d.ControlURL = w.cfg.ControlChannelURL })
		w.moveTo(StepControlExit, SubStepNone)
		return nil
	})
}

func (w *Wizard) ChooseTreatment(ctx context.Context) (Snapshot, error) {
	return w.run("choose_treatment", func() error {
		if err := w.require(StepExistingChoice); err != nil {
			return err
		}
		w.moveTo(StepTreatmentRequest, SubStepNone)
		return nil
	})
}

// SubmitTreatmentRequest opens an evaluation for a returning patient and
// skips screening.
func (w *Wizard) SubmitTreatmentRequest(ctx context.Context, motive string) (Snapshot, error) {
	return w.run("submit_treatment_request", func() error {
		if err := w.require(StepTreatmentRequest); err != nil {
			return err
		}
		motive = strings.TrimSpace(motive)
		if msg := validateMotive(motive); msg != "" {
			verr := &ValidationError{}
			verr.add("motive", msg)
			return verr
		}
		_, _, data := w.current()

		if data.LeadID == "" && w.deps.Leads != nil && data.Name != "" {
			lead, _, err := leads.Capture(ctx, w.deps.Leads, &leads.CreateLeadRequest{
				Name:       data.Name,
				Email:      data.Email,
				Phone:      data.Phone,
				NationalID: data.NationalID,
			})
			if err != nil {
				w.log.Warn("lead capture failed", "error", err)
			} else {
				data.LeadID = lead.ID
			}
		}

		ev, err := w.deps.Evaluations.Create(ctx, evaluation.NewEvaluation{
			LeadID:            data.LeadID,
			Name:              data.Name,
			Email:             data.Email,
			Phone:             data.Phone,
			NationalID:        data.NationalID,
			RouteType:         evaluation.RouteExistingPatient,
			Questionnaire:     map[string]string{evaluation.QuestionMotive: motive},
			ExternalPatientID: data.ExternalPatientID,
			Stage:             evaluation.StageQuestionnaireDone,
		})
		if err != nil {
			w.log.Error("evaluation create failed", "error", err)
			w.setError(KindRetryable, msgRetry)
			return nil
		}
		w.observeStage(evaluation.StageStarted, ev.Stage)
		w.linkLead(ctx, data.LeadID, ev.ID)

		w.update(func(d *Data) {
			d.RouteType = evaluation.RouteExistingPatient
			d.EvaluationID = ev.ID
			d.LeadID = data.LeadID
			d.Questionnaire = ev.Questionnaire
			d.Amount = w.cfg.Prices.AmountFor(evaluation.RouteExistingPatient)
		})
		w.log.Info("treatment request created", "evaluation_id", ev.ID)
		w.moveTo(StepPremiumEvaluation, SubStepConfirm)
		return nil
	})
}

// SubmitQuestionnaire validates the intake, persists it and runs screening.
func (w *Wizard) SubmitQuestionnaire(ctx context.Context, in QuestionnaireInput) (Snapshot, error) {
	return w.run("submit_questionnaire", func() error {
		if err := w.require(StepQuestionnaire); err != nil {
			return err
		}
		in.normalize()
		if err := in.validate(); err != nil {
			return err
		}
		_, _, data := w.current()
		route := data.RouteType
		if route == "" {
			route = evaluation.RouteNewPatient
		}
		rut := ""
		if in.NationalID != "" {
			rut = auth.FormatRUT(in.NationalID)
		}

		leadID := data.LeadID
		if w.deps.Leads != nil {
			lead, created, err := leads.Capture(ctx, w.deps.Leads, &leads.CreateLeadRequest{
				Name:        in.Name,
				Email:       in.Email,
				Phone:       in.Phone,
				NationalID:  rut,
				BirthDate:   in.BirthDate,
				UTMSource:   in.UTMSource,
				UTMMedium:   in.UTMMedium,
				UTMCampaign: in.UTMCampaign,
			})
			if err != nil {
				w.log.Warn("lead capture failed", "error", err)
			} else {
				leadID = lead.ID
				w.log.Debug("lead captured", "lead_id", lead.ID, "created", created)
			}
		}

		ev, err := w.draftEvaluation(ctx, data.DraftEvaluationID, evaluation.NewEvaluation{
			LeadID:        leadID,
			Name:          in.Name,
			Email:         in.Email,
			Phone:         in.Phone,
			NationalID:    rut,
			BirthDate:     in.BirthDate,
			RouteType:     route,
			Questionnaire: in.questionnaire(),
		})
		if err != nil {
			w.log.Error("evaluation create failed", "error", err)
			w.setError(KindRetryable, msgRetry)
			return nil
		}
		w.update(func(d *Data) { d.DraftEvaluationID = ev.ID })

		var (
			refs     []string
			images   []screening.Image
			failures int
		)
		if len(ev.ImageRefs) > 0 {
			// A retried draft already holds its uploads.
			refs = ev.ImageRefs
			images = w.screeningImages(in.Images, refs)
		} else {
			refs, images, failures = w.storeImages(ctx, ev.ID, in.Images)
			if len(refs) > 0 {
				if err := w.deps.Evaluations.AttachImages(ctx, ev.ID, refs); err != nil {
					w.log.Warn("attach images failed", "evaluation_id", ev.ID, "error", err)
					failures += len(refs)
					refs, images = nil, nil
				}
			}
		}
		if failures > 0 {
			w.log.Warn("some images were not stored", "evaluation_id", ev.ID, "failed", failures, "stored", len(refs))
		}

		if ev.Stage == evaluation.StageStarted {
			if _, err := w.deps.Evaluations.AdvanceStage(ctx, ev.ID, evaluation.StageQuestionnaireDone); err != nil {
				w.log.Error("advance stage failed", "evaluation_id", ev.ID, "error", err)
				w.setError(KindRetryable, msgRetry)
				return nil
			}
			w.observeStage(evaluation.StageStarted, evaluation.StageQuestionnaireDone)
		}
		w.linkLead(ctx, leadID, ev.ID)

		w.mu.Lock()
		w.images = images
		w.mu.Unlock()
		w.update(func(d *Data) {
			d.RouteType = route
			d.EvaluationID = ev.ID
			d.DraftEvaluationID = ""
			d.LeadID = leadID
			d.Name, d.Email, d.Phone = in.Name, in.Email, in.Phone
			d.NationalID, d.BirthDate = rut, in.BirthDate
			d.Questionnaire = ev.Questionnaire
			d.ImageRefs = refs
			d.ImageFailures = failures
		})
		w.log.Info("questionnaire submitted", "evaluation_id", ev.ID, "images", len(refs))
		w.moveTo(StepAIScreening, SubStepNone)
		w.screen(ctx)
		return nil
	})
}

// draftEvaluation returns the evaluation left by an earlier failed submit
// when the intake is unchanged, so a retry never creates a second record.
// A stale draft with different answers is cancelled before creating anew.
func (w *Wizard) draftEvaluation(ctx context.Context, draftID string, in evaluation.NewEvaluation) (*evaluation.Evaluation, error) {
	if draftID != "" {
		draft, err := w.deps.Evaluations.Get(ctx, draftID)
		switch {
		case err != nil:
			w.log.Warn("draft evaluation unreadable", "evaluation_id", draftID, "error", err)
		case draft.Stage != evaluation.StageStarted && draft.Stage != evaluation.StageQuestionnaireDone:
			// Screened or cancelled already; start a fresh record.
		case sameIntake(draft, in):
			return draft, nil
		default:
			if _, err := w.deps.Evaluations.Cancel(ctx, draftID); err != nil {
				w.log.Warn("stale draft not cancelled", "evaluation_id", draftID, "error", err)
			}
		}
	}
	return w.deps.Evaluations.Create(ctx, in)
}

func sameIntake(ev *evaluation.Evaluation, in evaluation.NewEvaluation) bool {
	return ev.Name == in.Name &&
		ev.Email == strings.ToLower(strings.TrimSpace(in.Email)) &&
		ev.Phone == in.Phone &&
		ev.NationalID == in.NationalID &&
		ev.BirthDate == in.BirthDate &&
		ev.RouteType == in.RouteType &&
		maps.Equal(ev.Questionnaire, in.Questionnaire)
}

// storeImages normalizes and uploads each image. Failures are counted and
// skipped.
func (w *Wizard) storeImages(ctx context.Context, evaluationID string, uploads []ImageUpload) ([]string, []screening.Image, int) {
	if len(uploads) == 0 {
		return nil, nil, 0
	}
	if w.deps.Images == nil {
		return nil, nil, len(uploads)
	}
	var (
		refs     []string
		images   []screening.Image
		failures int
	)
	for _, up := range uploads {
		img, converted, err := imaging.Normalize(up.image())
		if err != nil {
			w.log.Warn("image conversion failed", "evaluation_id", evaluationID, "name", up.Name, "error", err)
			failures++
			continue
		}
		ref, err := w.deps.Images.Put(ctx, evaluationID, img.Name, img.ContentType, img.Data)
		if err != nil {
			w.log.Warn("image upload failed", "evaluation_id", evaluationID, "name", up.Name, "error", err)
			failures++
			continue
		}
		if converted {
			w.log.Debug("radiograph converted", "evaluation_id", evaluationID, "ref", ref)
		}
		refs = append(refs, ref)
		images = append(images, screening.Image{Ref: ref, MIMEType: img.ContentType, Data: img.Data})
	}
	return refs, images, failures
}

// screeningImages normalizes uploads for analysis without storing them
// again, pairing them with refs in order.
func (w *Wizard) screeningImages(uploads []ImageUpload, refs []string) []screening.Image {
	var images []screening.Image
	for _, up := range uploads {
		img, _, err := imaging.Normalize(up.image())
		if err != nil {
			continue
		}
		ref := ""
		if i := len(images); i < len(refs) {
			ref = refs[i]
		}
		images = append(images, screening.Image{Ref: ref, MIMEType: img.ContentType, Data: img.Data})
	}
	return images
}

func (w *Wizard) linkLead(ctx context.Context, leadID, evaluationID string) {
	if w.deps.Leads == nil || leadID == "" {
		return
	}
	if err := w.deps.Leads.LinkEvaluation(ctx, leadID, evaluationID); err != nil {
		w.log.Warn("lead link failed", "lead_id", leadID, "evaluation_id", evaluationID, "error", err)
	}
}

func (w *Wizard) updateLeadStage(ctx context.Context, leadID string, stage leads.Stage) {
	if w.deps.Leads == nil || leadID == "" {
		return
	}
	if err := w.deps.Leads.UpdateStage(ctx, leadID, stage); err != nil && !errors.Is(err, leads.ErrStageRegression) {
		w.log.Warn("lead stage update failed", "lead_id", leadID, "stage", stage, "error", err)
	}
}

// RunScreening retries screening after a storage failure.
func (w *Wizard) RunScreening(ctx context.Context) (Snapshot, error) {
	return w.run("run_screening", func() error {
		if err := w.require(StepAIScreening); err != nil {
			return err
		}
		w.screen(ctx)
		return nil
	})
}

// screen runs with the action lock held. The first stored result wins; a
// concurrent writer's result is adopted.
func (w *Wizard) screen(ctx context.Context) {
	_, _, data := w.current()
	ev, err := w.deps.Evaluations.Get(ctx, data.EvaluationID)
	if err != nil {
		w.log.Error("load evaluation failed", "evaluation_id", data.EvaluationID, "error", err)
		w.setError(KindRetryable, msgRetry)
		return
	}

	if !ev.Screened() {
		result := w.deps.Screener.Analyze(ctx, screening.Request{
			EvaluationID:  ev.ID,
			Motive:        ev.Motive(),
			Questionnaire: ev.Questionnaire,
			Images:        w.reloadScreeningImages(ctx, ev),
		})
		saved, err := w.deps.Evaluations.RecordScreening(ctx, ev.ID, result)
		switch {
		case err == nil:
			w.observeStage(ev.Stage, saved.Stage)
			ev = saved
			w.publish(ctx, ev.ID, events.TypeEvaluationScreened, events.EvaluationScreenedV1{
				EventID:      uuid.NewString(),
				EvaluationID: ev.ID,
				Route:        string(ev.SuggestedRoute),
				Source:       ev.AISource,
				ScreenedAt:   w.cfg.Clock().UTC(),
			})
		case errors.Is(err, evaluation.ErrScreeningAlreadyRecorded):
			if ev, err = w.deps.Evaluations.Get(ctx, ev.ID); err != nil {
				w.setError(KindRetryable, msgRetry)
				return
			}
		default:
			w.log.Error("record screening failed", "evaluation_id", ev.ID, "error", err)
			w.setError(KindRetryable, msgRetry)
			return
		}
	}

	w.updateLeadStage(ctx, ev.LeadID, leads.StageIADone)
	result := resultOf(ev)
	w.update(func(d *Data) { d.Screening = &result })
	w.moveTo(StepPathExplanation, SubStepNone)
}

func (w *Wizard) reloadScreeningImages(ctx context.Context, ev *evaluation.Evaluation) []screening.Image {
	w.mu.RLock()
	cached := append([]screening.Image(nil), w.images...)
	w.mu.RUnlock()
	if len(cached) > 0 || w.deps.Images == nil {
		return cached
	}
	var out []screening.Image
	for _, ref := range ev.ImageRefs {
		obj, err := w.deps.Images.Get(ctx, ref)
		if err != nil {
			w.log.Warn("image reload failed", "evaluation_id", ev.ID, "ref", ref, "error", err)
			continue
		}
		out = append(out, screening.Image{Ref: ref, MIMEType: obj.ContentType, Data: obj.Data})
	}
	return out
}

func resultOf(ev *evaluation.Evaluation) evaluation.ScreeningResult {
	return evaluation.ScreeningResult{
		Route:      ev.SuggestedRoute,
		Summary:    ev.AISummary,
		Findings:   append([]evaluation.Finding(nil), ev.AIFindings...),
		Confidence: ev.AIConfidence,
		Source:     ev.AISource,
	}
}

func (w *Wizard) ContinueFromPath(ctx context.Context) (Snapshot, error) {
	return w.run("continue_from_path", func() error {
		if err := w.require(StepPathExplanation); err != nil {
			return err
		}
		_, _, data := w.current()
		w.update(func(d *Data) { d.Amount = w.cfg.Prices.AmountFor(data.RouteType) })
		w.moveTo(StepPremiumEvaluation, SubStepConfirm)
		return nil
	})
}

// ConfirmEvaluation opens the checkout, reusing an open session.
func (w *Wizard) ConfirmEvaluation(ctx context.Context) (Snapshot, error) {
	return w.run("confirm_evaluation", func() error {
		if err := w.require(StepPremiumEvaluation, SubStepConfirm); err != nil {
			return err
		}
		_, _, data := w.current()
		checkout, err := w.deps.Checkout.CreateCheckout(ctx, data.EvaluationID)
		if errors.Is(err, evaluation.ErrAlreadyPaid) {
			return w.paymentApproved(ctx)
		}
		if err != nil {
			if errors.Is(err, payments.ErrNotConfigured) {
				w.setError(KindFatal, msgPaymentsDown)
			} else {
				w.log.Warn("checkout failed", "evaluation_id", data.EvaluationID, "error", err)
				w.setError(KindRetryable, msgRetry)
			}
			return nil
		}
		w.update(func(d *Data) {
			d.CheckoutURL = checkout.URL
			d.Amount = checkout.Amount
			d.PaymentStatus = evaluation.PaymentPending
		})
		w.updateLeadStage(ctx, data.LeadID, leads.StageCheckoutCreated)
		w.moveTo(StepPremiumEvaluation, SubStepPayment)
		return nil
	})
}

// OpenCheckout returns the redirect URL along with the snapshot. It does
// not change the step.
func (w *Wizard) OpenCheckout(ctx context.Context) (string, Snapshot, error) {
	var url string
	snap, err := w.run("open_checkout", func() error {
		if err := w.require(StepPremiumEvaluation, SubStepPayment); err != nil {
			return err
		}
		_, _, data := w.current()
		if data.CheckoutURL == "" {
			return ErrNoCheckout
		}
		url = data.CheckoutURL
		return nil
	})
	return url, snap, err
}

// CheckPaymentStatus reads the stored payment status, polling briefly for
// the webhook to land. outcome is the gateway's return hint and is never
// trusted on its own.
func (w *Wizard) CheckPaymentStatus(ctx context.Context, outcome string) (Snapshot, error) {
	return w.run("check_payment_status", func() error {
		if err := w.require(StepPremiumEvaluation, SubStepPayment); err != nil {
			return err
		}
		_, _, data := w.current()
		ev, err := w.deps.Evaluations.Get(ctx, data.EvaluationID)
		if err != nil {
			w.setError(KindRetryable, msgRetry)
			return nil
		}
		if ev.PaymentStatus != evaluation.PaymentApproved && outcome != "failure" {
			ev = w.poll(ctx, ev)
		}
		w.update(func(d *Data) { d.PaymentStatus = ev.PaymentStatus })
		switch ev.PaymentStatus {
		case evaluation.PaymentApproved:
			return w.paymentApproved(ctx)
		case evaluation.PaymentRejected:
			w.setError(KindRetryable, msgPaymentRejected)
		default:
			if outcome == "failure" {
				w.setError(KindRetryable, msgPaymentRejected)
			} else {
				w.setError(KindRetryable, msgPaymentPending)
			}
		}
		return nil
	})
}

// poll re-reads the evaluation up to PollAttempts times, waking early when
// a payment event is pushed.
func (w *Wizard) poll(ctx context.Context, ev *evaluation.Evaluation) *evaluation.Evaluation {
	var wake <-chan struct{}
	if w.deps.Payments != nil {
		ch, cancel := w.deps.Payments.Subscribe(ev.ID)
		defer cancel()
		signal := make(chan struct{}, 1)
		wake = signal
		go func() {
			for range ch {
				select {
				case signal <- struct{}{}:
				default:
				}
			}
		}()
	}
	for i := 0; i < w.cfg.PollAttempts; i++ {
		timer := time.NewTimer(w.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ev
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
		latest, err := w.deps.Evaluations.Get(ctx, ev.ID)
		if err != nil {
			w.log.Warn("payment poll read failed", "evaluation_id", ev.ID, "error", err)
			continue
		}
		ev = latest
		if ev.PaymentStatus == evaluation.PaymentApproved || ev.PaymentStatus == evaluation.PaymentRejected {
			break
		}
	}
	return ev
}

// paymentApproved links the clinic patient in the background and opens the
// schedule.
func (w *Wizard) paymentApproved(ctx context.Context) error {
	_, _, data := w.current()
	w.update(func(d *Data) { d.PaymentStatus = evaluation.PaymentApproved })
	if data.ExternalPatientID == "" && w.deps.Scheduler != nil {
		identity := scheduling.Identity{
			Name:       data.Name,
			Email:      data.Email,
			Phone:      data.Phone,
			NationalID: data.NationalID,
			BirthDate:  data.BirthDate,
		}
		evaluationID, leadID := data.EvaluationID, data.LeadID
		w.deps.Tasks.Go("scheduling.find_or_create_patient", func(ctx context.Context) error {
			pid, err := w.deps.Scheduler.FindOrCreatePatient(ctx, identity)
			if errors.Is(err, scheduling.ErrNotConfigured) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := w.deps.Evaluations.SetExternalPatientID(ctx, evaluationID, pid); err != nil && !errors.Is(err, evaluation.ErrPatientAlreadyLinked) {
				return err
			}
			if w.deps.Leads != nil && leadID != "" {
				if err := w.deps.Leads.SetExternalPatientID(ctx, leadID, pid); err != nil {
					return err
				}
			}
			return nil
		})
	}
	w.moveTo(StepPremiumEvaluation, SubStepSchedule)
	w.loadSlots(ctx)
	return nil
}

// LoadSlots refreshes the offered schedule. It never fails.
func (w *Wizard) LoadSlots(ctx context.Context) (Snapshot, error) {
	return w.run("load_slots", func() error {
		if err := w.require(StepPremiumEvaluation, SubStepSchedule); err != nil {
			return err
		}
		w.loadSlots(ctx)
		return nil
	})
}

func (w *Wizard) loadSlots(ctx context.Context) {
	var (
		slots       []scheduling.DaySlots
		placeholder = true
	)
	if w.deps.Scheduler != nil {
		slots, placeholder = w.deps.Scheduler.ListAvailableSlots(ctx)
	} else {
		slots = scheduling.PlaceholderSlots(w.cfg.Clock())
	}
	w.update(func(d *Data) {
		d.Slots = slots
		d.PlaceholderSlots = placeholder
	})
}

// ScheduleAppointment books the chosen slot. Without a known clinic patient
// id the booking is kept locally.
func (w *Wizard) ScheduleAppointment(ctx context.Context, date, clock string) (Snapshot, error) {
	return w.run("schedule_appointment", func() error {
		if err := w.require(StepPremiumEvaluation, SubStepSchedule); err != nil {
			return err
		}
		start, err := scheduling.ParseSlot(date, clock)
		if err != nil || !start.After(w.cfg.Clock()) {
			verr := &ValidationError{}
			verr.add("slot", "invalid date or time")
			return verr
		}
		_, _, data := w.current()
		ev, err := w.deps.Evaluations.Get(ctx, data.EvaluationID)
		if err != nil {
			w.setError(KindRetryable, msgRetry)
			return nil
		}
		if ev.PaymentStatus != evaluation.PaymentApproved {
			w.setError(KindRetryable, msgPaymentPending)
			return nil
		}

		var booking *scheduling.Booking
		if pending := data.PendingBooking; pending != nil {
			// The clinic already holds this slot; only the local record is retried.
			date, clock = pending.Date, pending.Time
			if parsed, perr := scheduling.ParseSlot(date, clock); perr == nil {
				start = parsed
			}
			booking = &scheduling.Booking{ID: pending.ID, Date: date, Time: clock, Start: start, Local: pending.Local}
		} else {
			booking, err = w.book(ctx, ev, date, clock, start)
			switch {
			case errors.Is(err, scheduling.ErrManualSchedulingRequired):
				w.update(func(d *Data) { d.BookingLink = w.cfg.BookingLink(string(ev.SuggestedRoute)) })
				w.setError(KindRetryable, msgManualScheduling)
				return nil
			case errors.Is(err, scheduling.ErrSlotUnavailable):
				w.loadSlots(ctx)
				w.setError(KindRetryable, msgSlotTaken)
				return nil
			case err != nil:
				w.log.Warn("booking failed", "evaluation_id", ev.ID, "error", err)
				w.setError(KindAdapterUnavailable, msgRetry)
				return nil
			}
			w.update(func(d *Data) {
				d.PendingBooking = &Appointment{ID: booking.ID, Date: date, Time: clock, Local: booking.Local}
			})
		}

		saved, err := w.deps.Evaluations.RecordAppointment(ctx, ev.ID, start, booking.ID)
		if err != nil && !errors.Is(err, evaluation.ErrAppointmentAlreadySet) {
			w.log.Error("record appointment failed", "evaluation_id", ev.ID, "error", err)
			w.setError(KindRetryable, msgRetry)
			return nil
		}
		if saved != nil {
			w.observeStage(ev.Stage, saved.Stage)
		}
		w.updateLeadStage(ctx, ev.LeadID, leads.StageScheduled)
		w.publish(ctx, ev.ID, events.TypeAppointmentBooked, events.AppointmentBookedV1{
			EventID:       uuid.NewString(),
			EvaluationID:  ev.ID,
			LeadID:        ev.LeadID,
			AppointmentID: booking.ID,
			Date:          date,
			Time:          clock,
			PatientName:   ev.Name,
			PatientEmail:  ev.Email,
			PatientPhone:  ev.Phone,
			BookedAt:      w.cfg.Clock().UTC(),
		})
		w.update(func(d *Data) {
			d.Appointment = &Appointment{ID: booking.ID, Date: date, Time: clock, Local: booking.Local}
			d.PendingBooking = nil
			d.BookingLink = ""
		})
		w.log.Info("appointment booked", "evaluation_id", ev.ID, "appointment_id", booking.ID, "local", booking.Local)
		w.moveTo(StepComplete, SubStepNone)
		return nil
	})
}

func (w *Wizard) book(ctx context.Context, ev *evaluation.Evaluation, date, clock string, start time.Time) (*scheduling.Booking, error) {
	if ev.ExternalPatientID == "" || w.deps.Scheduler == nil {
		return &scheduling.Booking{ID: "local-" + uuid.NewString(), Date: date, Time: clock, Start: start, Local: true}, nil
	}
	return w.deps.Scheduler.BookAppointment(ctx, scheduling.BookingRequest{
		PatientID:       ev.ExternalPatientID,
		Date:            date,
		Time:            clock,
		DurationMinutes: int(w.cfg.AppointmentDuration / time.Minute),
		Notes:           bookingNotes(ev),
	})
}

func bookingNotes(ev *evaluation.Evaluation) string {
	note := "Evaluación Premium"
	if ev.SuggestedRoute != "" {
		note += " - " + string(ev.SuggestedRoute)
	}
	if motive := ev.Motive(); motive != "" {
		note += ": " + motive
	}
	return note
}

func (w *Wizard) publish(ctx context.Context, aggregateID, eventType string, payload any) {
	if w.deps.Outbox == nil {
		return
	}
	if _, err := w.deps.Outbox.Insert(ctx, aggregateID, eventType, payload); err != nil {
		w.log.Warn("outbox insert failed", "evaluation_id", aggregateID, "type", eventType, "error", err)
	}
}

// Reset returns to the entry step with empty data.
func (w *Wizard) Reset(ctx context.Context) (Snapshot, error) {
	return w.run("reset", func() error {
		w.mu.Lock()
		w.step, w.subStep, w.data, w.err, w.images = StepEntry, SubStepNone, Data{}, nil, nil
		w.mu.Unlock()
		return nil
	})
}

// Resume rebuilds the session from a persisted evaluation.
func (w *Wizard) Resume(ctx context.Context, evaluationID string) (Snapshot, error) {
	return w.run("resume", func() error {
		ev, err := w.deps.Evaluations.Get(ctx, evaluationID)
		if errors.Is(err, evaluation.ErrNotFound) {
			verr := &ValidationError{}
			verr.add("evaluation_id", "not found")
			return verr
		}
		if err != nil {
			w.setError(KindRetryable, msgRetry)
			return nil
		}
		if ev.Stage == evaluation.StageCancelled {
			verr := &ValidationError{}
			verr.add("evaluation_id", msgCancelled)
			return verr
		}

		data := Data{
			RouteType:         ev.RouteType,
			EvaluationID:      ev.ID,
			LeadID:            ev.LeadID,
			Name:              ev.Name,
			Email:             ev.Email,
			Phone:             ev.Phone,
			NationalID:        ev.NationalID,
			BirthDate:         ev.BirthDate,
			ExternalPatientID: ev.ExternalPatientID,
			Questionnaire:     ev.Questionnaire,
			ImageRefs:         ev.ImageRefs,
			PaymentStatus:     ev.PaymentStatus,
			Amount:            w.cfg.Prices.AmountFor(ev.RouteType),
			CheckoutURL:       ev.CheckoutURL,
		}
		if ev.PaymentAmount > 0 {
			data.Amount = ev.PaymentAmount
		}
		if ev.Screened() {
			result := resultOf(ev)
			data.Screening = &result
		}
		if ev.AppointmentAt != nil {
			at := ev.AppointmentAt.In(scheduling.ClinicLocation)
			data.Appointment = &Appointment{ID: ev.ExternalAppointmentID, Date: at.Format("2006-01-02"), Time: at.Format("15:04")}
		}
		w.mu.Lock()
		w.data, w.err, w.images = data, nil, nil
		w.mu.Unlock()

		switch ev.Stage {
		case evaluation.StageStarted:
			w.moveTo(StepQuestionnaire, SubStepNone)
		case evaluation.StageQuestionnaireDone:
			if ev.RouteType == evaluation.RouteExistingPatient {
				w.moveTo(StepPremiumEvaluation, SubStepConfirm)
			} else {
				w.moveTo(StepAIScreening, SubStepNone)
				w.screen(ctx)
			}
		case evaluation.StageAIAnalyzed:
			w.moveTo(StepPathExplanation, SubStepNone)
		case evaluation.StagePaymentPending:
			w.moveTo(StepPremiumEvaluation, SubStepPayment)
		case evaluation.StagePaymentDone:
			w.moveTo(StepPremiumEvaluation, SubStepSchedule)
			w.loadSlots(ctx)
		default:
			w.moveTo(StepComplete, SubStepNone)
		}
		w.log.Info("session resumed", "evaluation_id", ev.ID, "stage", ev.Stage)
		return nil
	})
}

// Cancel moves the evaluation to cancelled and resets the session.
func (w *Wizard) Cancel(ctx context.Context) (Snapshot, error) {
	return w.run("cancel", func() error {
		_, _, data := w.current()
		if data.EvaluationID == "" {
			return fmt.Errorf("%w: no evaluation to cancel", ErrInvalidStep)
		}
		var from evaluation.Stage
		if current, err := w.deps.Evaluations.Get(ctx, data.EvaluationID); err == nil {
			from = current.Stage
		}
		ev, err := w.deps.Evaluations.Cancel(ctx, data.EvaluationID)
		if errors.Is(err, evaluation.ErrStageRegression) {
			return fmt.Errorf("%w: evaluation already finished", ErrInvalidStep)
		}
		if err != nil {
			w.setError(KindRetryable, msgRetry)
			return nil
		}
		w.observeStage(from, ev.Stage)
		w.updateLeadStage(ctx, data.LeadID, leads.StageCancelled)
		w.mu.Lock()
		w.step, w.subStep, w.data, w.err, w.images = StepEntry, SubStepNone, Data{}, nil, nil
		w.mu.Unlock()
		return nil
	})
}
