package web

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/gin-gonic/gin"

	"lessoncal/internal/calendar"
	"lessoncal/internal/errs"
	appLog "lessoncal/internal/log"
	"lessoncal/internal/model"
	"lessoncal/internal/service"
)

// maxImportBytes caps an uploaded availability calendar.
const maxImportBytes = 4 << 20

// FeedWindow is the default span of a served feed, counted from today on
// the viewer's wall clock.
type FeedWindow struct {
	PastDays    int
	HorizonDays int
}

// Handler holds the HTTP handlers for the lesson API.
type Handler struct {
	svc    *service.Scheduler
	window FeedWindow
	// changed is called after every successful mutation.
	changed func()
}

// NewHandler creates a new Handler. changed may be nil.
func NewHandler(svc *service.Scheduler, window FeedWindow, changed func()) *Handler {
	if changed == nil {
		changed = func() {}
	}
	return &Handler{svc: svc, window: window, changed: changed}
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrSlotUnavailable):
		return http.StatusConflict
	case errors.Is(err, errs.ErrInvalidStatus):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrInvalidTimeFormat),
		errors.Is(err, errs.ErrInvalidDateFormat),
		errors.Is(err, errs.ErrUnknownZone),
		errors.Is(err, errs.ErrInvalidRule),
		errors.Is(err, errs.ErrInvalidRange),
		errors.Is(err, errs.ErrInvalidWeekday),
		errors.Is(err, errs.ErrInvalidDuration):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	if status == http.StatusInternalServerError {
		appLog.Error("request failed", err, "path", c.FullPath())
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// dateRange reads the required from/to query parameters.
func dateRange(c *gin.Context) (civil.Date, civil.Date, error) {
	from, err := calendar.ParseDate(c.Query("from"))
	if err != nil {
		return civil.Date{}, civil.Date{}, err
	}
	to, err := calendar.ParseDate(c.Query("to"))
	if err != nil {
		return civil.Date{}, civil.Date{}, err
	}
	return from, to, nil
}

// lessonKey reads :rule and :date path parameters.
func lessonKey(c *gin.Context) (model.OccurrenceKey, error) {
	d, err := calendar.ParseDate(c.Param("date"))
	if err != nil {
		return model.OccurrenceKey{}, err
	}
	return model.OccurrenceKey{RuleID: c.Param("rule"), OriginalDate: d}, nil
}

type occurrenceDTO struct {
	RuleID          string      `json:"rule_id"`
	PairingID       string      `json:"pairing_id"`
	OwnerID         string      `json:"owner_id"`
	OwnerZone       string      `json:"owner_zone"`
	OriginalDate    civil.Date  `json:"original_date"`
	Date            civil.Date  `json:"date"`
	Weekday         string      `json:"weekday"`
	Start           string      `json:"start"`
	End             string      `json:"end"`
	Status          string      `json:"status"`
	RescheduledFrom *civil.Date `json:"rescheduled_from,omitempty"`
	StartsAt        time.Time   `json:"starts_at"`
	EndsAt          time.Time   `json:"ends_at"`
}

func toOccurrenceDTOs(occ []model.Occurrence) []occurrenceDTO {
	out := make([]occurrenceDTO, 0, len(occ))
	for _, o := range occ {
		out = append(out, occurrenceDTO{
			RuleID:          o.RuleID,
			PairingID:       o.PairingID,
			OwnerID:         o.OwnerID,
			OwnerZone:       o.OwnerZone,
			OriginalDate:    o.OriginalDate,
			Date:            o.Date,
			Weekday:         o.Weekday.String(),
			Start:           o.Start.String(),
			End:             o.End.String(),
			Status:          string(o.Status),
			RescheduledFrom: o.RescheduledFrom,
			StartsAt:        o.StartsAt,
			EndsAt:          o.EndsAt,
		})
	}
	return out
}

// GetLessons handles GET /api/lessons?pairing=..&from=..&to=..&tz=..
func (h *Handler) GetLessons(c *gin.Context) {
	pairings := c.QueryArray("pairing")
	if len(pairings) == 0 {
		badRequest(c, "at least one pairing is required")
		return
	}
	from, to, err := dateRange(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	occ, err := h.svc.Lessons(c.Request.Context(), pairings, from, to, c.DefaultQuery("tz", "UTC"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lessons": toOccurrenceDTOs(occ)})
}

// GetProfileLessons handles GET /api/profiles/{id}/lessons, shown in the
// profile's own zone.
func (h *Handler) GetProfileLessons(c *gin.Context) {
	from, to, err := dateRange(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	occ, err := h.svc.LessonsFor(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lessons": toOccurrenceDTOs(occ)})
}

// GetProviderBookings handles GET /api/providers/{id}/bookings on the
// provider's clock.
func (h *Handler) GetProviderBookings(c *gin.Context) {
	from, to, err := dateRange(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	occ, zone, err := h.svc.ProviderBookings(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"zone": zone, "lessons": toOccurrenceDTOs(occ)})
}

// slotRequest reads provider, duration, rule, original and tz.
func slotRequest(c *gin.Context) (service.SlotRequest, error) {
	req := service.SlotRequest{
		ProviderID: c.Query("provider"),
		ViewerZone: c.Query("tz"),
	}
	if raw := c.Query("duration"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return req, errs.ErrInvalidDuration
		}
		req.DurationMinutes = n
	}
	if rule := c.Query("rule"); rule != "" {
		d, err := calendar.ParseDate(c.Query("original"))
		if err != nil {
			return req, err
		}
		req.Lesson = model.OccurrenceKey{RuleID: rule, OriginalDate: d}
	}
	return req, nil
}

type slotDTO struct {
	Date       civil.Date `json:"date"`
	Weekday    string     `json:"weekday"`
	Start      string     `json:"start"`
	End        string     `json:"end"`
	OwnerStart string     `json:"owner_start"`
	OwnerEnd   string     `json:"owner_end"`
}

// GetSlots handles GET /api/slots?date=..
func (h *Handler) GetSlots(c *gin.Context) {
	req, err := slotRequest(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if req.Date, err = calendar.ParseDate(c.Query("date")); err != nil {
		abortWithError(c, err)
		return
	}
	found, err := h.svc.Slots(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]slotDTO, 0, len(found))
	for _, s := range found {
		out = append(out, slotDTO{
			Date:       s.Date,
			Weekday:    s.Weekday.String(),
			Start:      s.Start.String(),
			End:        s.End.String(),
			OwnerStart: s.Owner.Start.String(),
			OwnerEnd:   s.Owner.End.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"date": req.Date, "slots": out})
}

type dayCountDTO struct {
	Date  civil.Date `json:"date"`
	Count int        `json:"count"`
}

// GetSlotDays handles GET /api/slot-days, the reschedule date picker.
func (h *Handler) GetSlotDays(c *gin.Context) {
	req, err := slotRequest(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	days, err := h.svc.SlotDays(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]dayCountDTO, 0, len(days.Counts))
	for d, n := range days.Counts {
		out = append(out, dayCountDTO{Date: d, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	c.JSON(http.StatusOK, gin.H{"from": days.From, "to": days.To, "days": out})
}

type rescheduleRequest struct {
	Date  string `json:"date" binding:"required"`
	Start string `json:"start" binding:"required"`
}

type overrideDTO struct {
	RuleID          string      `json:"rule_id"`
	OriginalDate    civil.Date  `json:"original_date"`
	ActualDate      civil.Date  `json:"actual_date"`
	ActualStart     string      `json:"actual_start,omitempty"`
	ActualEnd       string      `json:"actual_end,omitempty"`
	Status          string      `json:"status"`
	RescheduledFrom *civil.Date `json:"rescheduled_from,omitempty"`
}

func toOverrideDTO(o model.OverrideRecord) overrideDTO {
	dto := overrideDTO{
		RuleID:          o.RuleID,
		OriginalDate:    o.OriginalDate,
		ActualDate:      o.ActualDate,
		Status:          string(o.Status),
		RescheduledFrom: o.RescheduledFrom,
	}
	if o.ActualStart != nil {
		dto.ActualStart = o.ActualStart.String()
	}
	if o.ActualEnd != nil {
		dto.ActualEnd = o.ActualEnd.String()
	}
	return dto
}

// PostReschedule handles POST /api/lessons/{rule}/{date}/reschedule. The
// new date and start are on the provider's clock.
func (h *Handler) PostReschedule(c *gin.Context) {
	key, err := lessonKey(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	newDate, err := calendar.ParseDate(req.Date)
	if err != nil {
		abortWithError(c, err)
		return
	}
	newStart, err := calendar.ParseClock(req.Start)
	if err != nil {
		abortWithError(c, err)
		return
	}
	ov, err := h.svc.Reschedule(c.Request.Context(), key, newDate, newStart)
	if err != nil {
		abortWithError(c, err)
		return
	}
	h.changed()
	c.JSON(http.StatusOK, toOverrideDTO(ov))
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

// PutStatus handles PUT /api/lessons/{rule}/{date}/status.
func (h *Handler) PutStatus(c *gin.Context) {
	key, err := lessonKey(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	status, err := model.ParseStatus(req.Status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	ov, err := h.svc.SetStatus(c.Request.Context(), key, status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	h.changed()
	c.JSON(http.StatusOK, toOverrideDTO(ov))
}

type ruleRequest struct {
	Weekday *int   `json:"weekday" binding:"required"`
	Start   string `json:"start" binding:"required"`
	End     string `json:"end" binding:"required"`
}

type ruleDTO struct {
	ID        string `json:"id"`
	PairingID string `json:"pairing_id"`
	OwnerID   string `json:"owner_id"`
	Weekday   int    `json:"weekday"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Active    bool   `json:"active"`
}

// PostRule handles POST /api/pairings/{id}/rules. weekday is 0 (Sunday)
// through 6; times are on the provider's clock.
func (h *Handler) PostRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	start, err := calendar.ParseClock(req.Start)
	if err != nil {
		abortWithError(c, err)
		return
	}
	end, err := calendar.ParseClock(req.End)
	if err != nil {
		abortWithError(c, err)
		return
	}
	rule, err := h.svc.AddRule(c.Request.Context(), c.Param("id"), time.Weekday(*req.Weekday), start, end)
	if err != nil {
		abortWithError(c, err)
		return
	}
	h.changed()
	c.JSON(http.StatusCreated, ruleDTO{
		ID:        rule.ID,
		PairingID: rule.PairingID,
		OwnerID:   rule.OwnerID,
		Weekday:   int(rule.Weekday),
		Start:     rule.Start.String(),
		End:       rule.End.String(),
		Active:    rule.Active,
	})
}

// DeleteRule handles DELETE /api/rules/{id}. The rule is deactivated.
func (h *Handler) DeleteRule(c *gin.Context) {
	if err := h.svc.RemoveRule(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	h.changed()
	c.Status(http.StatusNoContent)
}

type busyWindowDTO struct {
	Weekday int    `json:"weekday"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

func toBusyWindowDTOs(windows []model.BusyWindow) []busyWindowDTO {
	out := make([]busyWindowDTO, 0, len(windows))
	for _, w := range windows {
		out = append(out, busyWindowDTO{Weekday: int(w.Weekday), Start: w.Start.String(), End: w.End.String()})
	}
	return out
}

// GetAvailability handles GET /api/profiles/{id}/availability.
func (h *Handler) GetAvailability(c *gin.Context) {
	windows, err := h.svc.Availability(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"busy": toBusyWindowDTOs(windows)})
}

type availabilityRequest struct {
	Busy []busyWindowDTO `json:"busy"`
}

// PutAvailability handles PUT /api/profiles/{id}/availability and replaces
// every busy window of the profile.
func (h *Handler) PutAvailability(c *gin.Context) {
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ownerID := c.Param("id")
	windows := make([]model.BusyWindow, 0, len(req.Busy))
	for _, b := range req.Busy {
		start, err := calendar.ParseClock(b.Start)
		if err != nil {
			abortWithError(c, err)
			return
		}
		end, err := parseWindowEnd(b.End)
		if err != nil {
			abortWithError(c, err)
			return
		}
		windows = append(windows, model.BusyWindow{OwnerID: ownerID, Weekday: time.Weekday(b.Weekday), Start: start, End: end})
	}
	if err := h.svc.SaveAvailability(c.Request.Context(), ownerID, windows); err != nil {
		abortWithError(c, err)
		return
	}
	h.changed()
	c.JSON(http.StatusOK, gin.H{"busy": toBusyWindowDTOs(windows)})
}

// parseWindowEnd also accepts "24:00" for a window running to midnight.
func parseWindowEnd(s string) (calendar.Clock, error) {
	if s == "24:00" {
		return calendar.EndOfDay, nil
	}
	return calendar.ParseClock(s)
}

type importRequest struct {
	URL string `json:"url" binding:"required"`
}

// PostAvailabilityImport handles POST /api/profiles/{id}/availability/import.
// The body is either a text/calendar payload or {"url": "..."} naming a
// calendar to fetch.
func (h *Handler) PostAvailabilityImport(c *gin.Context) {
	ownerID := c.Param("id")
	var (
		windows []model.BusyWindow
		err     error
	)
	if strings.HasPrefix(c.ContentType(), "text/calendar") {
		body, rerr := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxImportBytes))
		if rerr != nil {
			badRequest(c, "calendar body too large or unreadable")
			return
		}
		windows, err = h.svc.ImportAvailability(c.Request.Context(), ownerID, body)
	} else {
		var req importRequest
		if berr := c.ShouldBindJSON(&req); berr != nil {
			badRequest(c, berr.Error())
			return
		}
		windows, err = h.svc.ImportAvailabilityURL(c.Request.Context(), ownerID, req.URL)
	}
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			// Unparseable or unreachable calendars are the caller's problem.
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		abortWithError(c, err)
		return
	}
	h.changed()
	c.JSON(http.StatusOK, gin.H{"busy": toBusyWindowDTOs(windows)})
}

// GetFeed handles GET /feeds/{pairing}-{profile}.ics?tz=..&from=..&to=..,
// the same names the publisher writes. The feed is shown in the profile's
// zone unless tz is given. Without a range it covers the configured window
// around the profile's today.
func (h *Handler) GetFeed(c *gin.Context) {
	name, ok := strings.CutSuffix(c.Param("file"), ".ics")
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	ctx := c.Request.Context()
	pairing, viewer, err := h.svc.FeedViewer(ctx, name)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var from, to civil.Date
	if c.Query("from") == "" && c.Query("to") == "" {
		today, err := h.svc.Today(viewer.Timezone)
		if err != nil {
			abortWithError(c, err)
			return
		}
		from, to = today.AddDays(-h.window.PastDays), today.AddDays(h.window.HorizonDays)
	} else if from, to, err = dateRange(c); err != nil {
		abortWithError(c, err)
		return
	}

	body, err := h.svc.Feed(ctx, pairing.ID, from, to, c.DefaultQuery("tz", viewer.Timezone))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", body)
}
