package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"pressdesk/backend/internal/aggregate"
	"pressdesk/backend/internal/apperr"
	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
	"pressdesk/backend/internal/xid"
)

const attachMarker = "attached_to_daysheet"

var activeStatuses = []string{
	domain.JobStatusQueued,
	domain.JobStatusInProgress,
	domain.JobStatusReady,
}

// CreateInstantJob records a walk-in job that is paid and finished at the
// counter, and books it onto today's daysheet in the same transaction.
func (s *Service) CreateInstantJob(ctx context.Context, req domain.InstantJobRequest) (domain.Job, error) {
	actor, err := requireRole(ctx, domain.RoleAttendant, domain.RoleManager)
	if err != nil {
		return domain.Job{}, err
	}
	if err := validateJobRequest(actor, &req); err != nil {
		return domain.Job{}, err
	}

	var job domain.Job
	err = s.repo.Atomic(ctx, func(q store.Queries) error {
		var err error
		job, err = s.buildJob(ctx, q, actor, req)
		if err != nil {
			return err
		}
		now := s.now()
		job.Type = domain.JobTypeInstant
		job.Status = domain.JobStatusCompleted
		job.Priority = domain.JobPriorityNormal
		job.CompletedAt = &now
		job.CompletedBy = actor.Username

		if err := q.CreateJob(ctx, job); err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if err := q.CreateJobRecord(ctx, domain.JobRecord{
			ID:               xid.New("rec"),
			JobID:            job.ID,
			PerformedBy:      actor.Username,
			TimeStart:        now,
			TimeEnd:          &now,
			QuantityProduced: job.Quantity,
			CreatedAt:        now,
		}); err != nil {
			return fmt.Errorf("create job record: %w", err)
		}
		s.emit(ctx, q, actor, event{
			entityType: entityJob,
			entityID:   job.ID,
			name:       domain.EventJobCreatedInstant,
			branchID:   job.BranchID,
			payload:    jobPayload(job),
		})

		result, err := s.attachJob(ctx, q, actor, job.ID, "")
		if err != nil {
			return err
		}
		job.DaySheetID = result.DaySheet.ID
		job.Meta[attachMarker] = result.DaySheet.ID
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}

	s.afterJobWrite(ctx, job)
	return job, nil
}

// CreateQueuedJob puts a job at the back of the branch queue with an ETA
// derived from the work already ahead of it.
func (s *Service) CreateQueuedJob(ctx context.Context, req domain.QueuedJobRequest) (domain.Job, error) {
	actor, err := requireRole(ctx, domain.RoleAttendant, domain.RoleManager)
	if err != nil {
		return domain.Job{}, err
	}
	if err := validateJobRequest(actor, &req.InstantJobRequest); err != nil {
		return domain.Job{}, err
	}
	if req.ExpectedMinutesPerUnit < 0 {
		return domain.Job{}, apperr.ValidationFields("expected minutes per unit cannot be negative", map[string]string{"expected_minutes_per_unit": "gte=0"})
	}
	priority := strings.ToLower(strings.TrimSpace(req.Priority))
	if priority == "" {
		priority = domain.JobPriorityNormal
	}

	var job domain.Job
	err = s.repo.Atomic(ctx, func(q store.Queries) error {
		var err error
		job, err = s.buildJob(ctx, q, actor, req.InstantJobRequest)
		if err != nil {
			return err
		}
		service, err := q.GetServiceType(ctx, job.ServiceID)
		if err != nil {
			return notFound(err, "service %s", job.ServiceID)
		}

		ahead, err := q.ListJobs(ctx, store.JobFilter{BranchID: job.BranchID, Statuses: activeStatuses})
		if err != nil {
			return fmt.Errorf("list active jobs: %w", err)
		}
		minutesAhead := 0
		for _, other := range ahead {
			minutesAhead += s.remainingMinutes(other)
		}

		job.Type = domain.JobTypeQueued
		job.Status = domain.JobStatusQueued
		job.Priority = priority
		job.ExpectedMinutesPerUnit = s.minutesPerUnit(req.ExpectedMinutesPerUnit, service)
		job.QueuePosition = len(ahead) + 1
		eta := job.CreatedAt.Add(time.Duration(minutesAhead+job.ExpectedMinutesPerUnit*job.Quantity) * time.Minute)
		job.ExpectedReadyAt = &eta

		if err := q.CreateJob(ctx, job); err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		payload := jobPayload(job)
		payload["queue_position"] = job.QueuePosition
		payload["expected_ready_at"] = eta.Format(time.RFC3339)
		s.emit(ctx, q, actor, event{
			entityType: entityJob,
			entityID:   job.ID,
			name:       domain.EventJobCreatedQueued,
			branchID:   job.BranchID,
			payload:    payload,
		})
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}

	s.invalidateQueue(ctx, job.BranchID)
	if _, err := s.DetectDuplicateJob(ctx, job.ID); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("service: duplicate check failed")
	}
	return job, nil
}

func validateJobRequest(actor domain.Actor, req *domain.InstantJobRequest) error {
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	fields := make(map[string]string, 3)
	if req.BranchID == "" {
		fields["branch_id"] = "required"
	}
	if req.ServiceID == "" {
		fields["service_id"] = "required"
	}
	if req.Deposit.IsNegative() {
		fields["deposit"] = "must not be negative"
	}
	if req.PaymentType != "" && aggregate.NormalizeChannel(req.PaymentType) == domain.PaymentUnknown {
		fields["payment_type"] = "must be cash, momo or card"
	}
	if len(fields) > 0 {
		return apperr.ValidationFields("invalid job request", fields)
	}
	if req.Quantity < 1 {
		req.Quantity = 1
	}
	return checkBranch(actor, req.BranchID)
}

// buildJob resolves the service, validates print options and snapshots the
// unit price. The returned job is not persisted.
func (s *Service) buildJob(ctx context.Context, q store.Queries, actor domain.Actor, req domain.InstantJobRequest) (domain.Job, error) {
	if _, err := q.GetBranch(ctx, req.BranchID); err != nil {
		return domain.Job{}, notFound(err, "branch %s", req.BranchID)
	}
	service, err := q.GetServiceType(ctx, req.ServiceID)
	if err != nil {
		return domain.Job{}, notFound(err, "service %s", req.ServiceID)
	}
	if !service.Active {
		return domain.Job{}, apperr.Validation("service %s is not active", service.Code)
	}
	if err := s.prices.Validate(service, req.PrintVariant); err != nil {
		return domain.Job{}, err
	}

	unitPrice := s.prices.Resolve(ctx, q, service, req.PrintVariant)
	deposit := domain.Quantize(req.Deposit)
	now := s.now()

	meta := make(map[string]string, 6)
	for key, value := range map[string]string{
		"paper_size": req.PaperSize,
		"print_mode": req.PrintMode,
		"color_mode": req.ColorMode,
		"side_mode":  req.SideMode,
	} {
		if value = strings.TrimSpace(value); value != "" {
			meta[key] = value
		}
	}
	paymentType := aggregate.NormalizeChannel(req.PaymentType)
	if paymentType != "" {
		meta["payment_type"] = paymentType
	}

	return domain.Job{
		ID:            xid.New("job"),
		BranchID:      req.BranchID,
		ServiceID:     service.ID,
		ServiceCode:   service.Code,
		ServiceName:   service.Name,
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
		Description:   strings.TrimSpace(req.Description),
		Quantity:      req.Quantity,
		UnitPrice:     unitPrice,
		DepositAmount: deposit,
		TotalAmount:   domain.JobTotal(unitPrice, req.Quantity, deposit),
		PaymentType:   paymentType,
		Meta:          meta,
		CreatedBy:     actor.Username,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *Service) minutesPerUnit(override int, service domain.ServiceType) int {
	if override > 0 {
		return override
	}
	if service.AvgMinutesPerUnit > 0 {
		return service.AvgMinutesPerUnit
	}
	return s.settings.DefaultMinutesPerUnit
}

func (s *Service) remainingMinutes(job domain.Job) int {
	if job.Status == domain.JobStatusReady {
		return 0
	}
	perUnit := job.ExpectedMinutesPerUnit
	if perUnit < 1 {
		perUnit = s.settings.DefaultMinutesPerUnit
	}
	qty := max(job.Quantity, 1)
	return perUnit * qty
}

// AttachJobToDaySheet books a job onto a daysheet exactly once. An empty
// daysheetID targets the branch's open daysheet for today.
func (s *Service) AttachJobToDaySheet(ctx context.Context, jobID string, daysheetID string) (domain.AttachResult, error) {
	actor, err := requireRole(ctx, domain.RoleManager)
	if err != nil {
		return domain.AttachResult{}, err
	}

	var result domain.AttachResult
	err = s.repo.Atomic(ctx, func(q store.Queries) error {
		var err error
		result, err = s.attachJob(ctx, q, actor, jobID, strings.TrimSpace(daysheetID))
		return err
	})
	if err != nil {
		return domain.AttachResult{}, err
	}
	if result.Attached {
		s.checkHighFreeJobs(ctx, result.DaySheet.ID)
	}
	return result, nil
}

// attachJob locks the job, then the branch (when a daysheet may have to be
// created), then the daysheet. The counters move only when the job has no
// daysheet yet.
func (s *Service) attachJob(ctx context.Context, q store.Queries, actor domain.Actor, jobID string, daysheetID string) (domain.AttachResult, error) {
	job, err := q.LockJob(ctx, jobID)
	if err != nil {
		return domain.AttachResult{}, notFound(err, "job %s", jobID)
	}
	if err := checkBranch(actor, job.BranchID); err != nil {
		return domain.AttachResult{}, err
	}

	existingID := job.DaySheetID
	if existingID == "" {
		existingID = job.Meta[attachMarker]
	}
	if existingID != "" {
		sheet, err := q.GetDaySheet(ctx, existingID)
		if err != nil {
			return domain.AttachResult{}, notFound(err, "daysheet %s", existingID)
		}
		return domain.AttachResult{DaySheet: sheet}, nil
	}
	if job.Status == domain.JobStatusCancelled {
		return domain.AttachResult{}, apperr.State("cancelled job %s cannot be attached", job.ID)
	}

	var (
		sheet   domain.DaySheet
		created bool
	)
	if daysheetID == "" {
		sheet, created, err = s.getOrCreateDaySheet(ctx, q, actor, job.BranchID)
		if err != nil {
			return domain.AttachResult{}, err
		}
	} else {
		sheet, err = q.LockDaySheet(ctx, daysheetID)
		if err != nil {
			return domain.AttachResult{}, notFound(err, "daysheet %s", daysheetID)
		}
		if sheet.BranchID != job.BranchID {
			return domain.AttachResult{}, apperr.Validation("daysheet %s belongs to another branch", sheet.ID)
		}
	}
	if !sheet.IsOpen() || sheet.Locked {
		return domain.AttachResult{}, apperr.State("daysheet %s is %s", sheet.ID, sheet.Status)
	}

	now := s.now()
	if err := q.IncrementDaySheetTotals(ctx, sheet.ID, 1, job.TotalAmount); err != nil {
		return domain.AttachResult{}, fmt.Errorf("increment daysheet totals: %w", err)
	}
	if job.Meta == nil {
		job.Meta = make(map[string]string, 1)
	}
	job.DaySheetID = sheet.ID
	job.Meta[attachMarker] = sheet.ID
	job.UpdatedAt = now
	if err := q.UpdateJob(ctx, job); err != nil {
		return domain.AttachResult{}, fmt.Errorf("update job: %w", err)
	}
	if err := q.UpsertDailySale(ctx, sheet.BranchID, sheet.Date, job.TotalAmount, now); err != nil {
		return domain.AttachResult{}, fmt.Errorf("upsert daily sale: %w", err)
	}

	sheet, err = q.GetDaySheet(ctx, sheet.ID)
	if err != nil {
		return domain.AttachResult{}, fmt.Errorf("reload daysheet: %w", err)
	}
	s.emit(ctx, q, actor, event{
		entityType: entityJob,
		entityID:   job.ID,
		name:       domain.EventJobAttached,
		branchID:   job.BranchID,
		payload: map[string]any{
			"daysheet_id":  sheet.ID,
			"total_amount": money(job.TotalAmount),
			"payment_type": aggregate.InferPaymentType(job),
		},
	})
	return domain.AttachResult{DaySheet: sheet, Created: created, Attached: true}, nil
}

func (s *Service) StartJob(ctx context.Context, jobID string, req domain.JobTransitionRequest) (domain.Job, error) {
	return s.transitionJob(ctx, jobID, req, domain.JobStatusInProgress, domain.JobStatusQueued)
}

func (s *Service) MarkJobReady(ctx context.Context, jobID string, req domain.JobTransitionRequest) (domain.Job, error) {
	return s.transitionJob(ctx, jobID, req, domain.JobStatusReady, domain.JobStatusQueued, domain.JobStatusInProgress)
}

// CompleteJob finishes a queued job, writes its work record and books it
// onto the open daysheet.
func (s *Service) CompleteJob(ctx context.Context, jobID string, req domain.JobTransitionRequest) (domain.Job, error) {
	return s.transitionJob(ctx, jobID, req, domain.JobStatusCompleted, domain.JobStatusInProgress, domain.JobStatusReady)
}

func (s *Service) CancelJob(ctx context.Context, jobID string, req domain.JobTransitionRequest) (domain.Job, error) {
	return s.transitionJob(ctx, jobID, req, domain.JobStatusCancelled, activeStatuses...)
}

func (s *Service) transitionJob(ctx context.Context, jobID string, req domain.JobTransitionRequest, to string, from ...string) (domain.Job, error) {
	actor, err := requireRole(ctx, domain.RoleAttendant, domain.RoleManager)
	if err != nil {
		return domain.Job{}, err
	}

	var (
		job      domain.Job
		attached bool
	)
	err = s.repo.Atomic(ctx, func(q store.Queries) error {
		var err error
		job, err = q.LockJob(ctx, jobID)
		if err != nil {
			return notFound(err, "job %s", jobID)
		}
		if err := checkBranch(actor, job.BranchID); err != nil {
			return err
		}
		if !slices.Contains(from, job.Status) {
			return apperr.State("job %s cannot move from %s to %s", job.ID, job.Status, to)
		}

		now := s.now()
		previous := job.Status
		job.Status = to
		job.UpdatedAt = now
		if job.Meta == nil {
			job.Meta = make(map[string]string, 2)
		}
		switch to {
		case domain.JobStatusInProgress:
			job.Meta["started_at"] = now.Format(time.RFC3339Nano)
		case domain.JobStatusCompleted:
			job.CompletedAt = &now
			job.CompletedBy = actor.Username
		}
		if notes := strings.TrimSpace(req.Notes); notes != "" {
			job.Meta["last_note"] = notes
		}
		if err := q.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("update job: %w", err)
		}

		if to == domain.JobStatusCompleted {
			started := job.CreatedAt
			if raw, ok := job.Meta["started_at"]; ok {
				if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					started = parsed
				}
			}
			if err := q.CreateJobRecord(ctx, domain.JobRecord{
				ID:               xid.New("rec"),
				JobID:            job.ID,
				PerformedBy:      actor.Username,
				TimeStart:        started,
				TimeEnd:          &now,
				QuantityProduced: job.Quantity,
				Notes:            strings.TrimSpace(req.Notes),
				CreatedAt:        now,
			}); err != nil {
				return fmt.Errorf("create job record: %w", err)
			}
		}

		s.emit(ctx, q, actor, event{
			entityType: entityJob,
			entityID:   job.ID,
			name:       domain.EventJobStatusChanged,
			branchID:   job.BranchID,
			payload:    map[string]any{"from": previous, "to": to, "notes": strings.TrimSpace(req.Notes)},
		})

		if to == domain.JobStatusCompleted {
			result, err := s.attachJob(ctx, q, actor, job.ID, "")
			if err != nil {
				return err
			}
			attached = result.Attached
			job.DaySheetID = result.DaySheet.ID
			if job.Meta == nil {
				job.Meta = make(map[string]string, 1)
			}
			job.Meta[attachMarker] = result.DaySheet.ID
		}
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}

	s.invalidateQueue(ctx, job.BranchID)
	if attached {
		s.checkHighFreeJobs(ctx, job.DaySheetID)
	}
	return job, nil
}

// QueueSummary lists the active jobs of a branch in queue order.
func (s *Service) QueueSummary(ctx context.Context, branchID string, limit int) (domain.QueueSummary, error) {
	actor, err := requireRole(ctx, domain.RoleAttendant, domain.RoleManager, domain.RoleHQ)
	if err != nil {
		return domain.QueueSummary{}, err
	}
	if err := checkBranch(actor, branchID); err != nil {
		return domain.QueueSummary{}, err
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	cached, ok, err := s.queue.Get(ctx, branchID)
	if err != nil {
		log.Warn().Err(err).Str("branch_id", branchID).Msg("service: queue cache read failed")
	}
	if ok && cached != nil {
		if len(cached.Entries) > limit {
			cached.Entries = cached.Entries[:limit]
		}
		return *cached, nil
	}

	var jobs []domain.Job
	err = s.repo.View(ctx, func(q store.Queries) error {
		if _, err := q.GetBranch(ctx, branchID); err != nil {
			return notFound(err, "branch %s", branchID)
		}
		var err error
		jobs, err = q.ListJobs(ctx, store.JobFilter{BranchID: branchID, Statuses: activeStatuses})
		return err
	})
	if err != nil {
		return domain.QueueSummary{}, err
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].QueuePosition != jobs[j].QueuePosition {
			return jobs[i].QueuePosition < jobs[j].QueuePosition
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	summary := domain.QueueSummary{
		BranchID:    branchID,
		Entries:     make([]domain.QueueEntry, 0, len(jobs)),
		GeneratedAt: s.now(),
	}
	for i, job := range jobs {
		summary.Entries = append(summary.Entries, domain.QueueEntry{
			ID:            job.ID,
			CustomerName:  job.CustomerName,
			Service:       job.ServiceName,
			Status:        job.Status,
			ETA:           job.ExpectedReadyAt,
			CreatedAt:     job.CreatedAt,
			QueuePosition: i + 1,
			TotalAmount:   job.TotalAmount,
			CreatedBy:     job.CreatedBy,
			Quantity:      job.Quantity,
		})
	}

	if err := s.queue.Set(ctx, branchID, &summary, s.settings.QueueCacheTTL); err != nil {
		log.Warn().Err(err).Str("branch_id", branchID).Msg("service: queue cache write failed")
	}
	if len(summary.Entries) > limit {
		summary.Entries = summary.Entries[:limit]
	}
	return summary, nil
}

func (s *Service) invalidateQueue(ctx context.Context, branchID string) {
	if err := s.queue.Invalidate(ctx, branchID); err != nil {
		log.Warn().Err(err).Str("branch_id", branchID).Msg("service: queue cache invalidation failed")
	}
}

// afterJobWrite runs the advisory checks of a freshly attached job.
func (s *Service) afterJobWrite(ctx context.Context, job domain.Job) {
	if _, err := s.DetectDuplicateJob(ctx, job.ID); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("service: duplicate check failed")
	}
	if job.DaySheetID != "" {
		s.checkHighFreeJobs(ctx, job.DaySheetID)
	}
}

func (s *Service) checkHighFreeJobs(ctx context.Context, daysheetID string) {
	if _, err := s.DetectHighFreeJobs(ctx, daysheetID); err != nil {
		log.Warn().Err(err).Str("daysheet_id", daysheetID).Msg("service: free-job check failed")
	}
}

func jobPayload(job domain.Job) map[string]any {
	return map[string]any{
		"service_code":   job.ServiceCode,
		"quantity":       job.Quantity,
		"unit_price":     money(job.UnitPrice),
		"deposit_amount": money(job.DepositAmount),
		"total_amount":   money(job.TotalAmount),
		"payment_type":   job.PaymentType,
		"status":         job.Status,
	}
}

