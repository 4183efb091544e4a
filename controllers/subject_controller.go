package controller

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"dripline/models"
	"dripline/store"
	"dripline/utils"
)

type SubjectController struct {
	Store  *store.Store
	Logger *logrus.Entry
}

func NewSubjectController(st *store.Store, logger *logrus.Logger) *SubjectController {
	return &SubjectController{
		Store:  st,
		Logger: logger.WithField("component", "subject_controller"),
	}
}

type subjectInput struct {
	ID        uint   `json:"id"`
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name" validate:"omitempty,max=100"`
	LastName  string `json:"last_name" validate:"omitempty,max=100"`
	Company   string `json:"company" validate:"omitempty,max=200"`
}

func (in subjectInput) subject() models.Subject {
	s := models.Subject{
		Email:     in.Email,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Company:   in.Company,
	}
	s.ID = in.ID
	return s
}

// Create registers a subject, or refreshes the profile of the subject with the
// same id or email.
func (sc *SubjectController) Create(c *fiber.Ctx) error {
	var input subjectInput
	if err := c.BodyParser(&input); err != nil {
		return invalid(c, "Invalid request body")
	}
	return sc.save(c, input)
}

// Update stores the profile under the id in the path, creating the subject if
// the id is new.
func (sc *SubjectController) Update(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalid(c, "Invalid subject ID")
	}
	var input subjectInput
	if err := c.BodyParser(&input); err != nil {
		return invalid(c, "Invalid request body")
	}
	input.ID = id
	return sc.save(c, input)
}

func (sc *SubjectController) save(c *fiber.Ctx, input subjectInput) error {
	if err := utils.ValidateStruct(input); err != nil {
		return invalid(c, err.Error())
	}

	subject := input.subject()
	created, err := sc.Store.Subjects.Save(c.UserContext(), &subject)
	if err != nil {
		return respondError(c, "subject_save", err)
	}

	sc.Logger.WithFields(logrus.Fields{
		"subject_id": subject.ID,
		"created":    created,
	}).Info("subject stored")
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(utils.SuccessResponse(subject))
}

func (sc *SubjectController) Get(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalid(c, "Invalid subject ID")
	}

	subject, err := sc.Store.Subjects.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, "subject_get", err)
	}
	return c.JSON(utils.SuccessResponse(subject))
}

// Unsubscribe stops all further sends to the subject. Active enrollments exit
// when their next step comes due.
func (sc *SubjectController) Unsubscribe(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return invalid(c, "Invalid subject ID")
	}

	subject, err := sc.Store.Subjects.SetUnsubscribed(c.UserContext(), id, true)
	if err != nil {
		return respondError(c, "subject_unsubscribe", err)
	}
	sc.Logger.WithField("subject_id", id).Info("subject unsubscribed")
	return c.JSON(utils.SuccessResponse(subject))
}

// Import accepts a JSON array of subjects. Rows that fail validation are
// counted as failed and the rest are saved.
func (sc *SubjectController) Import(c *fiber.Ctx) error {
	var inputs []subjectInput
	if err := c.BodyParser(&inputs); err != nil {
		return invalid(c, "Invalid request body")
	}
	if len(inputs) == 0 {
		return invalid(c, "No subjects to import")
	}

	var rejected []string
	subjects := make([]models.Subject, 0, len(inputs))
	for i, in := range inputs {
		if err := utils.ValidateStruct(in); err != nil {
			rejected = append(rejected, fmt.Sprintf("row %d (%s): %v", i+1, in.Email, err))
			continue
		}
		subjects = append(subjects, in.subject())
	}

	result := sc.Store.Subjects.Import(c.UserContext(), subjects)
	result.Failed += len(rejected)
	result.Errors = append(rejected, result.Errors...)

	sc.Logger.WithFields(logrus.Fields{
		"created": result.Created,
		"updated": result.Updated,
		"failed":  result.Failed,
	}).Info("subjects imported")
	return c.JSON(utils.SuccessResponse(result))
}
