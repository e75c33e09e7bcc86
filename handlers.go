package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"retrovert/config"
	"retrovert/credentials"
	"retrovert/database"
	"retrovert/fetch"
	"retrovert/governor"
	"retrovert/jobs"
	"retrovert/presets"
	"retrovert/users"
)

type convertRequest struct {
	URL       string `json:"url" form:"url"`
	Format    string `json:"format" form:"format"`
	Preset    string `json:"preset" form:"preset"`
	Subtitles bool   `json:"subtitles" form:"subtitles"`
}

func errorJSON(c echo.Context, code int, format string, args ...interface{}) error {
	return c.JSON(code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// admissionStatus maps governor rejections onto HTTP codes a polling
// client can act on: 413 means shrink the request, 503 means retry later.
func admissionStatus(err error) int {
	var de *governor.DurationExceededError
	var se *governor.SizeExceededError
	var ise *governor.InsufficientSpaceError
	switch {
	case errors.As(err, &de), errors.As(err, &se):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &ise), errors.Is(err, governor.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func convertHandler(c echo.Context) error {
	var req convertRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "bad request: %v", err)
	}
	if req.URL == "" {
		return errorJSON(c, http.StatusBadRequest, "url is required")
	}

	switch req.Format {
	case "3gp", "":
		req.Format = "3gp"
		if req.Preset == "" {
			req.Preset = presets.DefaultVideo
		}
		if _, err := presets.Video(req.Preset); err != nil {
			return errorJSON(c, http.StatusBadRequest, "%v (have: %v)", err, presets.VideoNames())
		}
	case "mp3":
		if req.Preset == "" {
			req.Preset = presets.DefaultAudio
		}
		if _, err := presets.Audio(req.Preset); err != nil {
			return errorJSON(c, http.StatusBadRequest, "%v (have: %v)", err, presets.AudioNames())
		}
	default:
		return errorJSON(c, http.StatusBadRequest, "unknown format %q, want 3gp or mp3", req.Format)
	}

	id := jobs.NewID(req.URL, req.Format, req.Preset)
	if existing, err := jobStore.Get(id); err == nil {
		if existing.State != jobs.StateFailed {
			// same request already in flight or delivered
			return c.JSON(http.StatusOK, existing)
		}
		if err := jobStore.Delete(id); err != nil {
			return errorJSON(c, http.StatusInternalServerError, "could not reset failed job: %v", err)
		}
	}

	probeCtx, cancel := context.WithTimeout(c.Request().Context(), 60*time.Second)
	defer cancel()
	meta, err := fetcher.Probe(probeCtx, req.URL)
	if err != nil {
		return errorJSON(c, http.StatusBadGateway, "could not probe source: %v", err)
	}

	slot, err := gov.Admit(time.Duration(meta.DurationSeconds*float64(time.Second)), meta.SizeBytes)
	if err != nil {
		return errorJSON(c, admissionStatus(err), "not admitted: %v", err)
	}

	job := &jobs.Job{
		ID:            id,
		Kind:          jobs.KindDownload,
		URL:           req.URL,
		Title:         meta.Title,
		Format:        req.Format,
		Preset:        req.Preset,
		State:         jobs.StateAdmitted,
		BurnSubtitles: req.Subtitles && req.Format == "3gp",
	}
	if err := jobStore.Create(job); err != nil {
		slot.Release()
		return errorJSON(c, http.StatusInternalServerError, "could not create job: %v", err)
	}

	go processJob(id, slot)
	return c.JSON(http.StatusAccepted, job)
}

func statusHandler(c echo.Context) error {
	job, err := jobStore.Get(c.Param("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "no such job")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	return c.JSON(http.StatusOK, job)
}

func jobsHandler(c echo.Context) error {
	list, err := jobStore.List(jobs.Filter{})
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	return c.JSON(http.StatusOK, list)
}

func deliverable(job jobs.Job) bool {
	return job.State == jobs.StateSucceeded || job.State == jobs.StateDegraded
}

func downloadHandler(c echo.Context) error {
	job, err := jobStore.Get(c.Param("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "no such job")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	if !deliverable(job) || len(job.OutputPaths) == 0 {
		return errorJSON(c, http.StatusConflict, "job is %s, nothing to download", job.State)
	}
	if len(job.OutputPaths) > 1 {
		return errorJSON(c, http.StatusConflict, "output is split into %d parts, use /download/%s/part/1", len(job.OutputPaths), job.ID)
	}
	return c.Attachment(job.OutputPaths[0], filepath.Base(job.OutputPaths[0]))
}

func downloadPartHandler(c echo.Context) error {
	job, err := jobStore.Get(c.Param("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "no such job")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	if !deliverable(job) {
		return errorJSON(c, http.StatusConflict, "job is %s, nothing to download", job.State)
	}
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil || n < 1 || n > len(job.OutputPaths) {
		return errorJSON(c, http.StatusNotFound, "job has parts 1-%d", len(job.OutputPaths))
	}
	path := job.OutputPaths[n-1]
	return c.Attachment(path, filepath.Base(path))
}

func cancelHandler(c echo.Context) error {
	job, err := jobStore.Update(c.Param("id"), func(j *jobs.Job) error {
		if j.State.IsTerminal() {
			return fmt.Errorf("job already %s", j.State)
		}
		j.CancelRequested = true
		return nil
	})
	if errors.Is(err, jobs.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "no such job")
	}
	if err != nil {
		return errorJSON(c, http.StatusConflict, "%v", err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func splitHandler(c echo.Context) error {
	parent, err := jobStore.Get(c.Param("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "no such job")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	if !deliverable(parent) || len(parent.OutputPaths) != 1 {
		return errorJSON(c, http.StatusConflict, "job has no single artifact to split")
	}
	if parent.Format != "3gp" {
		return errorJSON(c, http.StatusBadRequest, "only 3gp artifacts can be split")
	}

	sizeStr := c.FormValue("max_part_size")
	if sizeStr == "" {
		return errorJSON(c, http.StatusBadRequest, "max_part_size is required (e.g. 25M)")
	}
	maxPartBytes, err := config.ParseFilesize(sizeStr)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "bad max_part_size: %v", err)
	}

	artifact := parent.OutputPaths[0]
	id := jobs.NewID(artifact, "split", sizeStr)
	if existing, err := jobStore.Get(id); err == nil {
		if existing.State != jobs.StateFailed {
			return c.JSON(http.StatusOK, existing)
		}
		if err := jobStore.Delete(id); err != nil {
			return errorJSON(c, http.StatusInternalServerError, "could not reset failed split: %v", err)
		}
	}

	slot, err := gov.Admit(time.Duration(parent.DurationSeconds*float64(time.Second)), parent.SizeBytes)
	if err != nil {
		return errorJSON(c, admissionStatus(err), "not admitted: %v", err)
	}

	job := &jobs.Job{
		ID:     id,
		Kind:   jobs.KindSplit,
		URL:    artifact,
		Title:  parent.Title,
		Format: parent.Format,
		Preset: parent.Preset,
		State:  jobs.StateAdmitted,
	}
	if err := jobStore.Create(job); err != nil {
		slot.Release()
		return errorJSON(c, http.StatusInternalServerError, "could not create split job: %v", err)
	}

	go processSplitJob(id, artifact, parent.Preset, maxPartBytes, slot)
	return c.JSON(http.StatusAccepted, job)
}

// burnHandler accepts an uploaded SRT track and burns it into a finished
// 3GP artifact as a standalone subtitle-burn job.
func burnHandler(c echo.Context) error {
	parent, err := jobStore.Get(c.Param("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "no such job")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	if !deliverable(parent) || len(parent.OutputPaths) != 1 {
		return errorJSON(c, http.StatusConflict, "job has no single artifact to burn into")
	}
	if parent.Format != "3gp" {
		return errorJSON(c, http.StatusBadRequest, "subtitles can only be burned into 3gp artifacts")
	}

	fh, err := c.FormFile("subtitles")
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "subtitles file is required")
	}
	src, err := fh.Open()
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "%v", err)
	}
	defer src.Close()

	artifact := parent.OutputPaths[0]
	id := jobs.NewID(artifact, "subtitle-burn", fh.Filename)
	if existing, err := jobStore.Get(id); err == nil {
		if existing.State != jobs.StateFailed {
			return c.JSON(http.StatusOK, existing)
		}
		if err := jobStore.Delete(id); err != nil {
			return errorJSON(c, http.StatusInternalServerError, "could not reset failed burn: %v", err)
		}
	}

	srtPath := filepath.Join(config.GetDataDir(), "tmp", id+"_upload.srt")
	if err := ensureDirFor(srtPath); err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	dst, err := os.OpenFile(srtPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(srtPath)
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	dst.Close()

	slot, err := gov.Admit(time.Duration(parent.DurationSeconds*float64(time.Second)), parent.SizeBytes)
	if err != nil {
		os.Remove(srtPath)
		return errorJSON(c, admissionStatus(err), "not admitted: %v", err)
	}

	job := &jobs.Job{
		ID:            id,
		Kind:          jobs.KindSubtitleBurn,
		URL:           artifact,
		Title:         parent.Title,
		Format:        parent.Format,
		Preset:        parent.Preset,
		State:         jobs.StateAdmitted,
		BurnSubtitles: true,
	}
	if err := jobStore.Create(job); err != nil {
		slot.Release()
		os.Remove(srtPath)
		return errorJSON(c, http.StatusInternalServerError, "could not create burn job: %v", err)
	}

	go processBurnJob(id, artifact, parent.Preset, srtPath, slot)
	return c.JSON(http.StatusAccepted, job)
}

func presetsHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{
		"3gp": presets.VideoNames(),
		"mp3": presets.AudioNames(),
	})
}

func healthHandler(c echo.Context) error {
	active, err := jobStore.ActiveCount()
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"git_sha":     config.GetGitSHA(),
		"build_date":  config.GetBuildDate(),
		"active_jobs": active,
		"in_flight":   gov.InFlight(),
	})
}

func cookiesStatusHandler(c echo.Context) error {
	path := config.GetCookiesFile()
	ok, msg, health, err := credentials.Validate(path)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"usable":  ok,
		"message": msg,
		"health":  health,
	})
}

func cookiesUploadHandler(c echo.Context) error {
	fh, err := c.FormFile("cookies")
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "cookies file is required")
	}
	src, err := fh.Open()
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "%v", err)
	}
	defer src.Close()

	path := config.GetCookiesFile()
	if err := ensureDirFor(path); err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	dst.Close()

	ok, msg, health, err := credentials.Validate(path)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	if !ok {
		os.Remove(path)
		return errorJSON(c, http.StatusBadRequest, "rejected cookie file: %s", msg)
	}
	fetcher.SetCookiesFile(path)
	log.Infoln("cookie file updated:", msg)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": msg,
		"health":  health,
	})
}

func cookiesDeleteHandler(c echo.Context) error {
	path := config.GetCookiesFile()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	fetcher.SetCookiesFile("")
	return c.JSON(http.StatusOK, map[string]string{"message": "cookie file removed"})
}

func loginPostHandler(c echo.Context) error {
	username := c.FormValue("username")
	password := c.FormValue("password")
	ok, err := users.Authenticate(database.Get(), username, password)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	if !ok {
		return errorJSON(c, http.StatusUnauthorized, "invalid credentials")
	}
	session, err := store.Get(c.Request(), "session")
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	session.Values["user_id"] = username
	if err := session.Save(c.Request(), c.Response()); err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "logged in"})
}

func logoutHandler(c echo.Context) error {
	session, err := store.Get(c.Request(), "session")
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	delete(session.Values, "user_id")
	session.Options.MaxAge = -1
	if err := session.Save(c.Request(), c.Response()); err != nil {
		return errorJSON(c, http.StatusInternalServerError, "%v", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "logged out"})
}

// strategiesHandler lists the fetch ladder so clients can interpret the
// attempt trace in status records.
func strategiesHandler(c echo.Context) error {
	type entry struct {
		Name         string `json:"name"`
		Credentialed bool   `json:"credentialed"`
	}
	var out []entry
	for _, s := range fetch.Strategies() {
		out = append(out, entry{Name: s.Name, Credentialed: s.Credentialed})
	}
	return c.JSON(http.StatusOK, out)
}
