package dto

// EnqueueTaskRequest is sent by the payment collaborator once an order is paid.
type EnqueueTaskRequest struct {
	OrderID         string         `json:"orderId"`
	ServiceConfigID string         `json:"serviceConfigId"`
	InputData       map[string]any `json:"inputData"`
}

type TaskActionRequest struct {
	TaskID string `json:"taskId"`
}

type ListTasksQuery struct {
	Status string `query:"status"`
	Limit  int    `query:"limit"`
	Offset int    `query:"offset"`
}
