// Package rest is the HTTP surface: the protocol endpoint at /oai2d
// and the key-protected set administration API.
package rest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"oaiserver/internal/match"
	"oaiserver/internal/oai"
	"oaiserver/internal/oai/formats"
	"oaiserver/internal/oai/response"
	"oaiserver/internal/oai/token"
	"oaiserver/internal/oai/verbs"
	"oaiserver/internal/pidstore"
	"oaiserver/internal/records"
	"oaiserver/internal/sets"
)

// Handler serves the protocol endpoint.
type Handler struct {
	cfg       oai.Config
	validator *verbs.Validator
	codec     *token.Codec
	asm       *response.Assembler
	store     records.Store
	registry  *sets.Registry
	formats   *formats.Registry
	engine    *match.Engine
	minter    *pidstore.Minter
	logger    *slog.Logger
}

// NewHandler wires the protocol endpoint.
func NewHandler(cfg oai.Config, store records.Store, registry *sets.Registry, fmts *formats.Registry, engine *match.Engine, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		validator: verbs.NewValidator(fmts),
		codec:     token.NewCodec(cfg.TokenSecret, cfg.TokenTTL),
		asm:       response.NewAssembler(cfg),
		store:     store,
		registry:  registry,
		formats:   fmts,
		engine:    engine,
		minter:    pidstore.New(cfg.IDPrefix),
		logger:    logger.With("component", "oai"),
	}
}

// RegisterRoutes registers the protocol and admin routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /oai2d", h.handleRequest)
	mux.HandleFunc("POST /oai2d", h.handleRequest)
	h.registerAdminRoutes(mux)
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			h.writeXML(w, http.StatusUnprocessableEntity, h.asm.Errors(nil, []verbs.Error{
				verbs.Errorf(verbs.CodeBadArgument, "malformed request body"),
			}))
			return
		}
		values = r.Form
	}

	req, errs := h.validator.Validate(values)
	if len(errs) > 0 {
		h.writeXML(w, http.StatusUnprocessableEntity, h.asm.Errors(req, errs))
		return
	}

	ctx := r.Context()
	var resp *response.Response
	var err error
	switch req.Verb {
	case verbs.VerbIdentify:
		resp, err = h.identify(ctx, req)
	case verbs.VerbGetRecord:
		resp, err = h.getRecord(ctx, req)
	case verbs.VerbListRecords, verbs.VerbListIdentifiers:
		resp, err = h.listRecords(ctx, req)
	case verbs.VerbListSets:
		resp, err = h.listSets(ctx, req)
	case verbs.VerbListMetadataFormats:
		resp, err = h.listMetadataFormats(ctx, req)
	}

	var perr verbs.Error
	if errors.As(err, &perr) {
		h.writeXML(w, http.StatusUnprocessableEntity, h.asm.Errors(req, []verbs.Error{perr}))
		return
	}
	if err != nil {
		h.logger.Error("request failed", "verb", req.Verb, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	h.writeXML(w, http.StatusOK, resp)
}

func (h *Handler) identify(ctx context.Context, req *verbs.Request) (*response.Response, error) {
	earliest, err := h.store.EarliestDatestamp(ctx)
	if err != nil {
		return nil, err
	}
	return h.asm.Identify(req, earliest), nil
}

func (h *Handler) getRecord(ctx context.Context, req *verbs.Request) (*response.Response, error) {
	rec, err := h.store.GetByOAIID(ctx, req.Identifier)
	if errors.Is(err, records.ErrNotFound) {
		return nil, verbs.Errorf(verbs.CodeIDDoesNotExist, "identifier %q is unknown", req.Identifier)
	}
	if err != nil {
		return nil, err
	}

	format, ok := h.formats.Get(req.MetadataPrefix)
	if !ok {
		return nil, verbs.Errorf(verbs.CodeCannotDisseminateFormat,
			"metadata format %q is not supported", req.MetadataPrefix)
	}
	meta, err := format.Serialize(rec)
	if err != nil {
		return nil, verbs.Errorf(verbs.CodeCannotDisseminateFormat,
			"record %q cannot be disseminated as %q", req.Identifier, req.MetadataPrefix)
	}
	return h.asm.GetRecord(req, rec, meta), nil
}

// listRecords serves both ListRecords and ListIdentifiers; the verbs
// differ only in whether metadata is serialized.
func (h *Handler) listRecords(ctx context.Context, req *verbs.Request) (*response.Response, error) {
	page := 0
	resumed := req.ResumptionToken != ""
	var cursor string

	if resumed {
		claims, err := h.codec.Verify(req.Verb, req.ResumptionToken)
		if err != nil {
			return nil, verbs.Errorf(verbs.CodeBadResumptionToken, "resumption token is invalid or expired")
		}
		if errs := h.restoreArgs(req, claims.Args); len(errs) > 0 {
			return nil, verbs.Errorf(verbs.CodeBadResumptionToken, "resumption token is invalid or expired")
		}
		page = claims.Page
		cursor = claims.Cursor
	}

	sel := records.Selection{Set: req.Set, From: req.FromTime, Until: req.UntilTime}
	pg, err := h.fetchPage(ctx, sel, page, cursor)
	if err != nil {
		return nil, err
	}
	if len(pg.Records) == 0 && !resumed {
		return nil, verbs.Errorf(verbs.CodeNoRecordsMatch, "no records match the request")
	}

	cont, err := h.continuation(req, pg, page, resumed)
	if err != nil {
		return nil, err
	}

	if req.Verb == verbs.VerbListIdentifiers {
		return h.asm.ListIdentifiers(req, pg, cont), nil
	}

	format, ok := h.formats.Get(req.MetadataPrefix)
	if !ok {
		return nil, verbs.Errorf(verbs.CodeCannotDisseminateFormat,
			"metadata format %q is not supported", req.MetadataPrefix)
	}
	meta := make([][]byte, 0, len(pg.Records))
	kept := pg.Records[:0]
	for _, rec := range pg.Records {
		m, err := format.Serialize(rec)
		if err != nil {
			h.logger.Warn("skipping record in listing",
				"record", rec.OAI.ID, "format", req.MetadataPrefix, "error", err)
			continue
		}
		kept = append(kept, rec)
		meta = append(meta, m)
	}
	pg.Records = kept
	return h.asm.ListRecords(req, pg, meta, cont), nil
}

// fetchPage resumes from the backend cursor when possible and falls
// back to an offset scan when the cursor has lapsed. page counts
// completed pages, so the offset scan fetches the 1-based page after it.
func (h *Handler) fetchPage(ctx context.Context, sel records.Selection, page int, cursor string) (*records.Page, error) {
	if cursor != "" {
		pg, err := h.store.Resume(ctx, sel, cursor, h.cfg.PageSize)
		if err == nil {
			return pg, nil
		}
		h.logger.Warn("cursor resume failed, falling back to offset", "page", page, "error", err)
	}
	return h.store.List(ctx, sel, page+1, h.cfg.PageSize)
}

// continuation mints the next resumption token. The final page of a
// resumed sequence gets an empty token element; a single-page result
// gets none.
func (h *Handler) continuation(req *verbs.Request, pg *records.Page, page int, resumed bool) (*response.Continuation, error) {
	if !pg.HasNext {
		if !resumed {
			return nil, nil
		}
		return &response.Continuation{Total: pg.Total, Cursor: page * h.cfg.PageSize}, nil
	}
	signed, expires, err := h.codec.Issue(req.Verb, page+1, req.Args(), pg.Cursor)
	if err != nil {
		return nil, err
	}
	return &response.Continuation{
		Token:   signed,
		Expires: expires,
		Total:   pg.Total,
		Cursor:  page * h.cfg.PageSize,
	}, nil
}

// restoreArgs replays the original arguments carried by a resumption
// token through validation, so a resumed request is checked exactly
// like a fresh one.
func (h *Handler) restoreArgs(req *verbs.Request, args map[string]string) []verbs.Error {
	values := url.Values{"verb": {req.Verb}}
	for k, v := range args {
		values.Set(k, v)
	}
	restored, errs := h.validator.Validate(values)
	if len(errs) > 0 {
		return errs
	}
	restored.ResumptionToken = req.ResumptionToken
	*req = *restored
	return nil
}

func (h *Handler) listSets(ctx context.Context, req *verbs.Request) (*response.Response, error) {
	page := 0
	resumed := req.ResumptionToken != ""
	if resumed {
		claims, err := h.codec.Verify(req.Verb, req.ResumptionToken)
		if err != nil {
			return nil, verbs.Errorf(verbs.CodeBadResumptionToken, "resumption token is invalid or expired")
		}
		page = claims.Page
	}

	defs, total, err := h.registry.Page(ctx, page*h.cfg.PageSize, h.cfg.PageSize)
	if err != nil {
		return nil, err
	}

	var cont *response.Continuation
	switch {
	case (page+1)*h.cfg.PageSize < total:
		signed, expires, err := h.codec.Issue(req.Verb, page+1, nil, "")
		if err != nil {
			return nil, err
		}
		cont = &response.Continuation{Token: signed, Expires: expires, Total: total, Cursor: page * h.cfg.PageSize}
	case resumed:
		cont = &response.Continuation{Total: total, Cursor: page * h.cfg.PageSize}
	}
	return h.asm.ListSets(req, defs, cont), nil
}

func (h *Handler) listMetadataFormats(ctx context.Context, req *verbs.Request) (*response.Response, error) {
	if req.Identifier != "" {
		if _, err := h.store.GetByOAIID(ctx, req.Identifier); err != nil {
			if errors.Is(err, records.ErrNotFound) {
				return nil, verbs.Errorf(verbs.CodeIDDoesNotExist, "identifier %q is unknown", req.Identifier)
			}
			return nil, err
		}
	}
	var fmts []response.Format
	for _, f := range h.formats.All() {
		fmts = append(fmts, response.Format{Prefix: f.Prefix, Schema: f.Schema, Namespace: f.Namespace})
	}
	if len(fmts) == 0 {
		return nil, verbs.Errorf(verbs.CodeNoMetadataFormats, "no metadata formats are available")
	}
	return h.asm.ListMetadataFormats(req, fmts), nil
}

func (h *Handler) writeXML(w http.ResponseWriter, status int, resp *response.Response) {
	body, err := response.Render(resp)
	if err != nil {
		h.logger.Error("failed to render response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}
