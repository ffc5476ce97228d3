package errors

var (
	// Ошибки домена для сервиса и обработчиков
	ErrUnauthorized          = Unauthorized("Пользователь не авторизован")
	ErrInvalidUserID         = InvalidArg("Неверный формат ID пользователя")
	ErrInvalidConversationID = InvalidArg("Неверный формат ID чата")
	ErrInvalidMessageID      = InvalidArg("Неверный формат ID сообщения")
	ErrRecipientRequired     = InvalidArg("ID получателя не указан")
	ErrSelfConversation      = InvalidArg("Нельзя создать чат с самим собой")
	ErrRecipientMismatch     = InvalidArg("Получатель не является участником чата")
	ErrEmptyMessage          = InvalidArg("Текст сообщения не может быть пустым")
	ErrMessageTooLong        = InvalidArg("Текст сообщения слишком длинный")
	ErrInvalidBody           = InvalidArg("Неверный формат данных")
	ErrRecipientNotFound     = NotFound("Получатель не найден")
	ErrConversationNotFound  = NotFound("Чат не найден")
	ErrNoAccess              = Forbidden("У вас нет доступа к этому чату")
)

func ErrPersistence(cause error) error {
	return Wrap(CodeInternal, "Ошибка базы данных", cause)
}

func ErrTokenIssue(cause error) error {
	return Wrap(CodeInternal, "Не удалось выпустить realtime токен", cause)
}
