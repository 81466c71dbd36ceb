package roster

// Post is the slice of a recruitment post the chat service relies on.
type Post struct {
	PostID           string `gorm:"column:post_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_posts_owner"`
	Title            string `gorm:"column:title;size:255;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// Participant links a user to a post they joined. LeftAtSeconds is set once
// the user leaves; the row is kept so history stays attributable.
type Participant struct {
	PostID          string `gorm:"column:post_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_post_participants_user"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
	LeftAtSeconds   *int64 `gorm:"column:left_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "post_participants"
}
