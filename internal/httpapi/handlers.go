package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gymtrack/internal/apperr"
	"gymtrack/internal/auth"
	"gymtrack/internal/httpmiddleware"
	"gymtrack/internal/media"
	"gymtrack/internal/member"
	"gymtrack/internal/payment"
	"gymtrack/internal/pix"
)

func fail(c *gin.Context, err error) { httpmiddleware.Abort(c, err) }

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, apperr.Invalid("invalid request body: "+err.Error()))
		return false
	}
	return true
}

// self targets the caller, or one of their dependents when the route
// carries :dep.
func self(c *gin.Context) member.Target {
	claims, _ := auth.ClaimsFrom(c)
	return member.Target{MemberID: claims.Subject, DependentID: c.Param("dep")}
}

// target is the admin view: :id plus the optional ?dependent= query.
func target(c *gin.Context) member.Target {
	return member.Target{MemberID: c.Param("id"), DependentID: c.Query("dependent")}
}

type tokenRequest struct {
	MemberID     string `json:"member_id"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) issueToken(c *gin.Context) {
	var req tokenRequest
	if !bindJSON(c, &req) {
		return
	}
	var subject, role string
	switch {
	case req.RefreshToken != "":
		claims, err := auth.ParseRefresh(req.RefreshToken, s.opts.JWTSigningKey, s.opts.JWTIssuer)
		if err != nil {
			fail(c, err)
			return
		}
		if claims.Role == auth.RoleMember {
			if _, err := s.members.Get(c.Request.Context(), claims.Subject); err != nil {
				fail(c, apperr.Unauthorized("member no longer exists"))
				return
			}
		}
		subject, role = claims.Subject, claims.Role
	case req.Username != "":
		if req.Username != s.opts.AdminUser || !auth.CheckPassword(s.opts.AdminPasswordHash, req.Password) {
			fail(c, apperr.Unauthorized("invalid credentials"))
			return
		}
		subject, role = req.Username, auth.RoleAdmin
	case req.MemberID != "":
		m, err := s.members.Authenticate(c.Request.Context(), req.MemberID, req.Password)
		if err != nil {
			fail(c, err)
			return
		}
		subject, role = m.ID, auth.RoleMember
	default:
		fail(c, apperr.Invalid("member_id, username or refresh_token is required"))
		return
	}

	pair, err := auth.Issue(subject, role, s.opts.JWTIssuer, s.opts.JWTSigningKey, s.opts.AccessTTL, s.opts.RefreshTTL)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) getMe(c *gin.Context) {
	m, err := s.members.Get(c.Request.Context(), self(c).MemberID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m.Public())
}

func (s *Server) checkIn(c *gin.Context) {
	rec, err := s.members.CheckIn(c.Request.Context(), self(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) history(c *gin.Context) {
	recs, err := s.members.History(c.Request.Context(), self(c), c.Query("from"), c.Query("to"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attendance": recs})
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.members.Stats(c.Request.Context(), self(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) reportPayment(c *gin.Context) {
	p, err := s.members.ReportPayment(c.Request.Context(), self(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, paymentView(p))
}

func (s *Server) pix(c *gin.Context) {
	t := self(c)
	m, err := s.members.Get(c.Request.Context(), t.MemberID)
	if err != nil {
		fail(c, err)
		return
	}
	if _, err := m.PersonAt(t); err != nil {
		fail(c, err)
		return
	}
	payload, err := pix.Payload{
		Key:          s.opts.Pix.Key,
		MerchantName: s.opts.Pix.MerchantName,
		MerchantCity: s.opts.Pix.MerchantCity,
		Amount:       s.opts.Pix.MonthlyFee,
		TxID:         t.String(),
	}.Encode()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payload": payload, "amount": s.opts.Pix.MonthlyFee})
}

type photoRequest struct {
	Data string `json:"data" binding:"required"`
}

func (s *Server) uploadPhoto(c *gin.Context) {
	if s.photos == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpmiddleware.ErrorBody{Error: httpmiddleware.ErrorDetail{
			Code:    "UNAVAILABLE",
			Message: "image storage not configured",
		}})
		return
	}
	t := self(c)
	t.DependentID = c.Query("dependent")
	ctx := c.Request.Context()
	m, err := s.members.Get(ctx, t.MemberID)
	if err != nil {
		fail(c, err)
		return
	}
	if _, err := m.PersonAt(t); err != nil {
		fail(c, err)
		return
	}
	publicID := media.PublicID(t.MemberID, t.DependentID)

	var photo media.Photo
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		file, header, ferr := c.Request.FormFile("file")
		if ferr != nil {
			fail(c, apperr.Invalid("file field required"))
			return
		}
		defer file.Close()
		data, ferr := io.ReadAll(io.LimitReader(file, media.MaxPhotoBytes+1))
		if ferr != nil {
			fail(c, apperr.Internal("read upload", ferr))
			return
		}
		photo, err = s.photos.UploadBytes(ctx, publicID, header.Filename, data)
	} else {
		var req photoRequest
		if !bindJSON(c, &req) {
			return
		}
		photo, err = s.photos.UploadDataURL(ctx, publicID, req.Data)
	}
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal {
			s.log.Error().Err(err).Str("target", t.String()).Msg("photo upload failed")
			c.AbortWithStatusJSON(http.StatusBadGateway, httpmiddleware.ErrorBody{Error: httpmiddleware.ErrorDetail{
				Code:    "UPSTREAM",
				Message: "image upload failed",
			}})
			return
		}
		fail(c, err)
		return
	}
	p, err := s.members.SetPhoto(ctx, t, photo.SecureURL)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": p.ID, "photo_url": p.PhotoURL, "width": photo.Width, "height": photo.Height})
}

type dependentRequest struct {
	Name          string `json:"name" binding:"required"`
	PaymentDueDay int    `json:"payment_due_day" binding:"required,min=1,max=31"`
}

func (s *Server) addDependent(c *gin.Context) {
	var req dependentRequest
	if !bindJSON(c, &req) {
		return
	}
	dep, err := s.members.AddDependent(c.Request.Context(), self(c).MemberID, member.DependentInput{Name: req.Name, PaymentDueDay: req.PaymentDueDay})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, dep)
}

func (s *Server) updateDependent(c *gin.Context) {
	var req dependentRequest
	if !bindJSON(c, &req) {
		return
	}
	t := self(c)
	dep, err := s.members.UpdateDependent(c.Request.Context(), t.MemberID, t.DependentID, member.DependentInput{Name: req.Name, PaymentDueDay: req.PaymentDueDay})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (s *Server) removeDependent(c *gin.Context) {
	t := self(c)
	if err := s.members.RemoveDependent(c.Request.Context(), t.MemberID, t.DependentID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listMembers(c *gin.Context) {
	ms, err := s.members.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]member.Member, len(ms))
	for i, m := range ms {
		out[i] = m.Public()
	}
	c.JSON(http.StatusOK, gin.H{"members": out})
}

type createMemberRequest struct {
	Name          string `json:"name" binding:"required"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	PaymentDueDay int    `json:"payment_due_day" binding:"required,min=1,max=31"`
	Password      string `json:"password"`
}

func (s *Server) createMember(c *gin.Context) {
	var req createMemberRequest
	if !bindJSON(c, &req) {
		return
	}
	m, err := s.members.Register(c.Request.Context(), member.RegisterInput{
		Name:          req.Name,
		Email:         req.Email,
		Phone:         req.Phone,
		PaymentDueDay: req.PaymentDueDay,
		Password:      req.Password,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m.Public())
}

func (s *Server) getMember(c *gin.Context) {
	m, err := s.members.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m.Public())
}

func (s *Server) deleteMember(c *gin.Context) {
	if err := s.members.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) adminCheckIn(c *gin.Context) {
	rec, err := s.members.CheckIn(c.Request.Context(), target(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) confirmCheckIn(c *gin.Context) {
	p, err := s.members.ConfirmCheckIn(c.Request.Context(), target(c), c.Param("date"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": p.ID, "attendance": p.Attendance})
}

func (s *Server) adminStats(c *gin.Context) {
	st, err := s.members.Stats(c.Request.Context(), target(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) confirmPayment(c *gin.Context) {
	p, err := s.members.ConfirmPayment(c.Request.Context(), target(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, paymentView(p))
}

func (s *Server) reversePayment(c *gin.Context) {
	p, err := s.members.ReversePayment(c.Request.Context(), target(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, paymentView(p))
}

func (s *Server) paymentOverview(c *gin.Context) {
	status := payment.Status(c.Query("status"))
	switch status {
	case "", payment.StatusPending, payment.StatusAwaitingConfirmation, payment.StatusPaid:
	default:
		fail(c, apperr.Invalid("unknown status "+string(status)))
		return
	}
	ov, err := s.members.PaymentOverview(c.Request.Context(), status)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

func (s *Server) expireOverdue(c *gin.Context) {
	n, err := s.members.ExpireOverdue(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

func (s *Server) monthlyReset(c *gin.Context) {
	n, err := s.members.MonthlyReset(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	s.log.Info().Int("persons", n).Str("trigger", "manual").Msg("monthly reset")
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

func paymentView(p member.Person) gin.H {
	return gin.H{
		"id":                p.ID,
		"status":            p.Status(),
		"paid":              p.Paid,
		"payment_pending":   p.PaymentPending,
		"last_payment_date": p.LastPaymentDate,
	}
}
