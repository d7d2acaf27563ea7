package handler

const (
	errInternalServer  = "Internal server error"
	errJobNotFound     = "Job not found"
	errProjectNotFound = "Project not found"
	errSpiderNotFound  = "Spider not found in project"
	errInvalidState    = "Job is not in a cancellable state"
	errInvalidRequest  = "Invalid project archive"
	errInvalidSchedule = "Invalid recurrence expression"
	errProjectInUse    = "Project has scheduled jobs and cannot be removed"
)
